// Package revision pairs reviewer remarks with official replies into
// time-bounded revision cycles.
package revision

import (
	"sort"
	"time"
)

// Message is one remark or reply in the revision conversation for an AIP.
type Message struct {
	ID         string    `json:"id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
	AuthorName *string   `json:"authorName"`
	AuthorRole string    `json:"authorRole"`
}

// Cycle is one reviewer remark plus the official replies written at or after
// it and strictly before the next remark. CycleID is the remark's id.
type Cycle struct {
	CycleID        string    `json:"cycleId"`
	ReviewerRemark Message   `json:"reviewerRemark"`
	Replies        []Message `json:"replies"`
}

func sortAsc(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt)
		}
		return messages[i].ID < messages[j].ID
	})
}

// BuildCycles windows replies into cycles. A reply belongs to the cycle of
// remark i iff remark[i].createdAt <= reply.createdAt < remark[i+1].createdAt,
// with the last window open-ended. Replies written before the first remark
// belong to no cycle; misattributing them to the wrong remark would be worse
// than dropping them. Cycles are returned newest remark first.
func BuildCycles(remarks, replies []Message) []Cycle {
	if len(remarks) == 0 {
		return nil
	}

	orderedRemarks := append([]Message(nil), remarks...)
	sortAsc(orderedRemarks)
	orderedReplies := append([]Message(nil), replies...)
	sortAsc(orderedReplies)

	cycles := make([]Cycle, 0, len(orderedRemarks))
	for i, remark := range orderedRemarks {
		var nextRemarkAt *time.Time
		if i+1 < len(orderedRemarks) {
			at := orderedRemarks[i+1].CreatedAt
			nextRemarkAt = &at
		}

		var cycleReplies []Message
		for _, reply := range orderedReplies {
			if reply.CreatedAt.Before(remark.CreatedAt) {
				continue
			}
			if nextRemarkAt != nil && !reply.CreatedAt.Before(*nextRemarkAt) {
				continue
			}
			cycleReplies = append(cycleReplies, reply)
		}

		cycles = append(cycles, Cycle{
			CycleID:        remark.ID,
			ReviewerRemark: remark,
			Replies:        cycleReplies,
		})
	}

	sort.SliceStable(cycles, func(i, j int) bool {
		left, right := cycles[i].ReviewerRemark, cycles[j].ReviewerRemark
		if !left.CreatedAt.Equal(right.CreatedAt) {
			return left.CreatedAt.After(right.CreatedAt)
		}
		return left.ID > right.ID
	})
	return cycles
}

// LatestRemarkAt returns the createdAt of the newest remark, with id as a
// tiebreak, or false when there are no remarks. This is the window anchor for
// the HasReplySince workflow guard.
func LatestRemarkAt(remarks []Message) (time.Time, bool) {
	if len(remarks) == 0 {
		return time.Time{}, false
	}
	latest := remarks[0]
	for _, remark := range remarks[1:] {
		if remark.CreatedAt.After(latest.CreatedAt) ||
			(remark.CreatedAt.Equal(latest.CreatedAt) && remark.ID > latest.ID) {
			latest = remark
		}
	}
	return latest.CreatedAt, true
}

// HasReplySince reports whether any reply exists with createdAt >= since.
// Used as a workflow guard without building full cycles.
func HasReplySince(replies []Message, since time.Time) bool {
	for _, reply := range replies {
		if !reply.CreatedAt.Before(since) {
			return true
		}
	}
	return false
}
