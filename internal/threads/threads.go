// Package threads reconstructs two-level conversation threads from the flat,
// parent-linked feedback rows. All functions are pure over a snapshot slice;
// stored rows are never mutated to cache a computed shape.
package threads

import (
	"sort"

	"github.com/rs/zerolog/log"

	"aipwatch/api/internal/store"
)

// Thread is one root feedback row plus its flattened direct replies, both in
// createdAt ascending order.
type Thread struct {
	Root    store.FeedbackRow   `json:"root"`
	Replies []store.FeedbackRow `json:"replies"`
}

func sortRowsAsc(rows []store.FeedbackRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
}

// DedupeByID removes rows whose id was already seen, keeping the first
// occurrence. Duplicates should never exist; when they do (storage races,
// retried writes) they are logged and dropped rather than double-counted.
func DedupeByID(rows []store.FeedbackRow) []store.FeedbackRow {
	seen := make(map[string]bool, len(rows))
	var duplicates []string
	unique := rows[:0:0]
	for _, row := range rows {
		if seen[row.ID] {
			duplicates = append(duplicates, row.ID)
			continue
		}
		seen[row.ID] = true
		unique = append(unique, row)
	}
	if len(duplicates) > 0 {
		log.Warn().Strs("ids", duplicates).Int("count", len(duplicates)).Msg("duplicate feedback ids dropped")
	}
	return unique
}

// ListRoots returns the thread roots in the snapshot, createdAt ascending,
// deduplicated by id.
func ListRoots(rows []store.FeedbackRow) []store.FeedbackRow {
	var roots []store.FeedbackRow
	for _, row := range rows {
		if row.ParentFeedbackID == nil {
			roots = append(roots, row)
		}
	}
	sortRowsAsc(roots)
	return DedupeByID(roots)
}

// ResolveRootID walks parent links upward until it reaches a row with no
// parent and returns that row's id. A visited set guards against cyclic
// parent chains in malformed data: on revisiting an id the walk stops at the
// last good ancestor. Unknown message ids resolve to themselves.
func ResolveRootID(messageID string, rowsByID map[string]store.FeedbackRow) string {
	current, ok := rowsByID[messageID]
	if !ok {
		return messageID
	}

	visited := make(map[string]bool)
	for current.ParentFeedbackID != nil {
		parentID := *current.ParentFeedbackID
		if visited[parentID] {
			break
		}
		visited[parentID] = true

		parent, ok := rowsByID[parentID]
		if !ok {
			break
		}
		current = parent
	}
	return current.ID
}

// Build groups a snapshot of rows into threads. Rows whose parent chain
// resolves to a missing root become roots of their own thread, so every row
// is represented exactly once. Threads are ordered newest root first.
func Build(rows []store.FeedbackRow) []Thread {
	if len(rows) == 0 {
		return nil
	}

	ordered := DedupeByID(append([]store.FeedbackRow(nil), rows...))
	sortRowsAsc(ordered)

	rowsByID := make(map[string]store.FeedbackRow, len(ordered))
	for _, row := range ordered {
		rowsByID[row.ID] = row
	}

	threadsByRoot := make(map[string]*Thread)
	var rootOrder []string
	for _, row := range ordered {
		rootID := ResolveRootID(row.ID, rowsByID)
		thread, ok := threadsByRoot[rootID]
		if !ok {
			root, found := rowsByID[rootID]
			if !found {
				root = row
			}
			thread = &Thread{Root: root}
			threadsByRoot[rootID] = thread
			rootOrder = append(rootOrder, rootID)
		}
		if row.ID != thread.Root.ID {
			thread.Replies = append(thread.Replies, row)
		}
	}

	result := make([]Thread, 0, len(rootOrder))
	for _, rootID := range rootOrder {
		thread := threadsByRoot[rootID]
		sortRowsAsc(thread.Replies)
		result = append(result, *thread)
	}
	sort.SliceStable(result, func(i, j int) bool {
		left, right := result[i].Root, result[j].Root
		if !left.CreatedAt.Equal(right.CreatedAt) {
			return left.CreatedAt.After(right.CreatedAt)
		}
		return left.ID > right.ID
	})
	return result
}

// Messages returns the root row plus every direct reply to it, createdAt
// ascending, deduplicated. An unknown root yields an empty slice.
func Messages(rootID string, rows []store.FeedbackRow) []store.FeedbackRow {
	var result []store.FeedbackRow
	for _, row := range rows {
		if row.ID == rootID && row.ParentFeedbackID == nil {
			result = append(result, row)
			continue
		}
		if row.ParentFeedbackID != nil && *row.ParentFeedbackID == rootID {
			result = append(result, row)
		}
	}
	sortRowsAsc(result)
	return DedupeByID(result)
}
