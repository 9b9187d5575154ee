package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"aipwatch/api/internal/blob"
	"aipwatch/api/internal/rbac"
	"aipwatch/api/internal/revision"
	"aipwatch/api/internal/search"
	"aipwatch/api/internal/store"
	"aipwatch/api/internal/util"
)

// Result is the outcome of a workflow operation. Business failures are
// expressed here with OK=false, never as errors; errors are reserved for
// infrastructure faults.
type Result struct {
	OK                bool   `json:"ok"`
	Message           string `json:"message"`
	UnresolvedAiCount *int   `json:"unresolvedAiCount,omitempty"`
}

func fail(message string) Result {
	return Result{OK: false, Message: message}
}

func succeed(message string) Result {
	return Result{OK: true, Message: message}
}

// Messages reused across operations. Every ownership failure returns the same
// string so callers cannot distinguish "wrong scope" from "wrong uploader".
const (
	msgUnauthorized = "Unauthorized."
	msgAipNotFound  = "AIP not found."
	msgNotUploader  = "Only the uploader of this AIP can modify this workflow."

	msgDeleteStorageFailed = "Failed to delete one or more AIP files from storage. Draft was not deleted."
	msgDeleteRowFailed     = "Storage files were deleted but draft row deletion failed. Please contact admin."
)

// deleteChunkSize bounds one storage removal batch.
const deleteChunkSize = 100

func isBarangayActor(actor Session) bool {
	role := rbac.Normalize(actor.Role)
	return role == rbac.RoleBarangayOfficial || role == rbac.RoleAdmin
}

func isCityActor(actor Session) bool {
	role := rbac.Normalize(actor.Role)
	return role == rbac.RoleCityOfficial || role == rbac.RoleAdmin
}

func isLocalOfficialActor(actor Session) bool {
	role := rbac.Normalize(actor.Role)
	return role == rbac.RoleBarangayOfficial || role == rbac.RoleCityOfficial || role == rbac.RoleAdmin
}

// resolveWorkflowOwner returns the user id that owns the AIP's workflow: the
// uploader of the latest current source document, falling back to the AIP
// creator when no current upload exists.
func resolveWorkflowOwner(aip store.AipRecord, files []store.UploadedFile) string {
	owner := ""
	if aip.CreatedBy != nil {
		owner = *aip.CreatedBy
	}
	// Files arrive (createdAt, id) ascending, so the last current row wins.
	for _, f := range files {
		if f.IsCurrent && f.UploadedBy != nil && *f.UploadedBy != "" {
			owner = *f.UploadedBy
		}
	}
	return owner
}

// ownsWorkflow applies the uploader ownership guard for barangay-scope AIPs:
// the actor must be the barangay official of the AIP's barangay and the
// resolved workflow owner. Admins bypass it; an AIP outside barangay scope
// never passes.
func (s *Service) ownsWorkflow(ctx context.Context, actor Session, aip store.AipRecord) (bool, error) {
	if rbac.Normalize(actor.Role) == rbac.RoleAdmin {
		return true, nil
	}
	if aip.ScopeKind() != "barangay" {
		return false, nil
	}
	if rbac.Normalize(actor.Role) != rbac.RoleBarangayOfficial {
		return false, nil
	}
	if aip.BarangayID == nil || actor.ScopeID != *aip.BarangayID {
		return false, nil
	}
	files, err := s.store.ListUploadedFiles(ctx, aip.ID)
	if err != nil {
		return false, fmt.Errorf("list uploaded files: %w", err)
	}
	owner := resolveWorkflowOwner(aip, files)
	return owner != "" && owner == actor.UserID, nil
}

func (s *Service) revisionRemarks(ctx context.Context, aipID string) ([]store.ReviewEvent, error) {
	events, err := s.store.ListReviewEvents(ctx, aipID)
	if err != nil {
		return nil, fmt.Errorf("list review events: %w", err)
	}
	var remarks []store.ReviewEvent
	for _, ev := range events {
		if ev.Action == store.ReviewActionRequestRevision {
			remarks = append(remarks, ev)
		}
	}
	return remarks, nil
}

// latestRevisionRequest picks the newest request_revision event, breaking
// createdAt ties by id.
func latestRevisionRequest(remarks []store.ReviewEvent) (store.ReviewEvent, bool) {
	if len(remarks) == 0 {
		return store.ReviewEvent{}, false
	}
	latest := remarks[0]
	for _, remark := range remarks[1:] {
		if remark.CreatedAt.After(latest.CreatedAt) ||
			(remark.CreatedAt.Equal(latest.CreatedAt) && remark.ID > latest.ID) {
			latest = remark
		}
	}
	return latest, true
}

// hasSavedRevisionReply reports whether a barangay official has already
// written a qualifying reply to the latest revision request: a human root
// lgu_note with a non-empty body created at or after the request.
func (s *Service) hasSavedRevisionReply(ctx context.Context, aip store.AipRecord, requestedAt time.Time) (bool, error) {
	replies, err := s.listRevisionReplies(ctx, aip.ID)
	if err != nil {
		return false, err
	}
	for _, reply := range replies {
		if !reply.CreatedAt.Before(requestedAt) {
			return true, nil
		}
	}
	return false, nil
}

// listRevisionReplies loads qualifying revision replies for an AIP: root
// lgu_note feedback from a human author holding the barangay_official role.
func (s *Service) listRevisionReplies(ctx context.Context, aipID string) ([]store.FeedbackRow, error) {
	kind := store.KindLguNote
	source := store.SourceHuman
	rows, err := s.store.ListFeedback(ctx, store.FeedbackFilter{
		TargetType: store.TargetAip,
		AipID:      &aipID,
		Kind:       &kind,
		Source:     &source,
		RootsOnly:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("list revision replies: %w", err)
	}

	roleByAuthor := make(map[string]rbac.Role)
	var qualifying []store.FeedbackRow
	for _, row := range rows {
		if strings.TrimSpace(row.Body) == "" || row.AuthorID == nil {
			continue
		}
		role, ok := roleByAuthor[*row.AuthorID]
		if !ok {
			user, err := s.store.GetUser(ctx, *row.AuthorID)
			if errors.Is(err, sql.ErrNoRows) {
				roleByAuthor[*row.AuthorID] = ""
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get reply author: %w", err)
			}
			role = rbac.Normalize(user.Role)
			roleByAuthor[*row.AuthorID] = role
		}
		if role == rbac.RoleBarangayOfficial {
			qualifying = append(qualifying, row)
		}
	}
	return qualifying, nil
}

func (s *Service) countUnresolvedAIFlags(ctx context.Context, aipID string) (int, error) {
	items, err := s.store.ListLineItems(ctx, aipID)
	if err != nil {
		return 0, fmt.Errorf("list line items: %w", err)
	}
	count := 0
	for _, item := range items {
		if item.ReviewStatus == store.LineReviewAIFlagged {
			count++
		}
	}
	return count, nil
}

// appendRevisionReply persists one root lgu_note reply from the actor.
func (s *Service) appendRevisionReply(ctx context.Context, actor Session, aipID, body string) error {
	now := s.now()
	aipRef := aipID
	authorID := actor.UserID
	row := store.FeedbackRow{
		ID:         util.NewID("fb"),
		TargetType: store.TargetAip,
		AipID:      &aipRef,
		Kind:       store.KindLguNote,
		Source:     store.SourceHuman,
		Body:       strings.TrimSpace(body),
		AuthorID:   &authorID,
		IsPublic:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateFeedback(ctx, row); err != nil {
		return fmt.Errorf("save revision reply: %w", err)
	}
	return nil
}

// SubmitForReview moves a draft or returned AIP into pending_review. A
// returned AIP additionally requires a reply to the latest reviewer remark,
// either already saved or supplied inline (persisted before the transition).
func (s *Service) SubmitForReview(ctx context.Context, actor Session, aipID, inlineReply string) (Result, error) {
	if !isBarangayActor(actor) {
		return fail(msgUnauthorized), nil
	}

	aip, err := s.store.GetAip(ctx, aipID)
	if errors.Is(err, sql.ErrNoRows) {
		return fail(msgAipNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	// The barangay review loop only exists for barangay AIPs; any other
	// scope is reported as missing.
	if aip.ScopeKind() != "barangay" {
		return fail(msgAipNotFound), nil
	}

	owns, err := s.ownsWorkflow(ctx, actor, aip)
	if err != nil {
		return Result{}, err
	}
	if !owns {
		return fail(msgNotUploader), nil
	}

	if aip.Status != store.StatusDraft && aip.Status != store.StatusForRevision {
		return fail("Submit for review is only allowed when the AIP status is Draft or For Revision."), nil
	}

	unresolved, err := s.countUnresolvedAIFlags(ctx, aipID)
	if err != nil {
		return Result{}, err
	}
	if unresolved > 0 {
		result := fail(fmt.Sprintf("Resolve all AI-flagged projects before submitting. %d project(s) still need an official response.", unresolved))
		result.UnresolvedAiCount = &unresolved
		return result, nil
	}

	if aip.Status == store.StatusForRevision {
		remarks, err := s.revisionRemarks(ctx, aipID)
		if err != nil {
			return Result{}, err
		}
		if latest, ok := latestRevisionRequest(remarks); ok {
			// Inline reply text is never discarded: it is persisted even
			// when an earlier saved reply already satisfies the guard.
			if inline := strings.TrimSpace(inlineReply); inline != "" {
				if err := s.appendRevisionReply(ctx, actor, aipID, inline); err != nil {
					return Result{}, err
				}
			} else {
				saved, err := s.hasSavedRevisionReply(ctx, aip, latest.CreatedAt)
				if err != nil {
					return Result{}, err
				}
				if !saved {
					return fail("Reply to reviewer remarks is required before resubmitting."), nil
				}
			}
		}
	}

	if err := s.store.UpdateAipStatus(ctx, aipID, store.StatusPendingReview); err != nil {
		return Result{}, fmt.Errorf("update aip status: %w", err)
	}

	s.logActivity(ctx, "submission_created", aip, actor, map[string]any{
		"fromStatus": aip.Status,
		"toStatus":   store.StatusPendingReview,
	})
	return succeed("AIP submitted for review."), nil
}

// SubmitAndPublish publishes a draft or returned AIP directly. City-level
// officials use it for AIPs that do not go through the barangay review loop.
func (s *Service) SubmitAndPublish(ctx context.Context, actor Session, aipID string) (Result, error) {
	if !isCityActor(actor) {
		return fail(msgUnauthorized), nil
	}

	aip, err := s.store.GetAip(ctx, aipID)
	if errors.Is(err, sql.ErrNoRows) {
		return fail(msgAipNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	// Direct publish only exists for city-scope AIPs, and only within the
	// reviewer's own city. Both failures read as missing so a foreign
	// official cannot probe for drafts.
	if aip.ScopeKind() != "city" {
		return fail(msgAipNotFound), nil
	}
	if rbac.Normalize(actor.Role) != rbac.RoleAdmin {
		if aip.CityID == nil || actor.ScopeID != *aip.CityID {
			return fail(msgAipNotFound), nil
		}
	}

	if aip.Status != store.StatusDraft && aip.Status != store.StatusForRevision {
		return fail("Submit & publish is only allowed when the AIP status is Draft or For Revision."), nil
	}

	unresolved, err := s.countUnresolvedAIFlags(ctx, aipID)
	if err != nil {
		return Result{}, err
	}
	if unresolved > 0 {
		result := fail(fmt.Sprintf("Resolve all AI-flagged projects before publishing. %d project(s) still need an official response.", unresolved))
		result.UnresolvedAiCount = &unresolved
		return result, nil
	}

	if err := s.store.UpdateAipStatus(ctx, aipID, store.StatusPublished); err != nil {
		return Result{}, fmt.Errorf("update aip status: %w", err)
	}

	reviewerID := actor.UserID
	reviewerName := actor.UserName
	event := store.ReviewEvent{
		ID:           util.NewID("rev"),
		AipID:        aipID,
		ReviewerID:   &reviewerID,
		ReviewerName: &reviewerName,
		Action:       store.ReviewActionApprove,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateReviewEvent(ctx, event); err != nil {
		log.Error().Err(err).Str("aip_id", aipID).Msg("record approve review event")
	}

	s.logActivity(ctx, "submission_published", aip, actor, map[string]any{
		"fromStatus": aip.Status,
		"toStatus":   store.StatusPublished,
	})
	if s.search != nil {
		s.search.IndexAip(searchDocForAip(aip, store.StatusPublished))
	}
	return succeed("AIP published successfully."), nil
}

// SaveRevisionReply appends a reply to reviewer remarks without changing the
// AIP status.
func (s *Service) SaveRevisionReply(ctx context.Context, actor Session, aipID, body string) (Result, error) {
	if !isBarangayActor(actor) {
		return fail(msgUnauthorized), nil
	}

	aip, err := s.store.GetAip(ctx, aipID)
	if errors.Is(err, sql.ErrNoRows) {
		return fail(msgAipNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	if aip.ScopeKind() != "barangay" {
		return fail(msgAipNotFound), nil
	}

	owns, err := s.ownsWorkflow(ctx, actor, aip)
	if err != nil {
		return Result{}, err
	}
	if !owns {
		return fail(msgNotUploader), nil
	}

	allowed := aip.Status == store.StatusForRevision
	if !allowed && aip.Status == store.StatusDraft {
		remarks, err := s.revisionRemarks(ctx, aipID)
		if err != nil {
			return Result{}, err
		}
		allowed = len(remarks) > 0
	}
	if !allowed {
		return fail("Reply can only be saved when the AIP status is For Revision or a draft with revision history."), nil
	}

	if strings.TrimSpace(body) == "" {
		return fail("Reply message is required."), nil
	}

	if err := s.appendRevisionReply(ctx, actor, aipID, body); err != nil {
		return Result{}, err
	}
	return succeed("Reply saved successfully."), nil
}

// CancelSubmission pulls a pending submission back. The AIP returns to
// for_revision when reviewers have already asked for changes, else to draft.
func (s *Service) CancelSubmission(ctx context.Context, actor Session, aipID string) (Result, error) {
	if !isBarangayActor(actor) {
		return fail(msgUnauthorized), nil
	}

	aip, err := s.store.GetAip(ctx, aipID)
	if errors.Is(err, sql.ErrNoRows) {
		return fail(msgAipNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}
	if aip.ScopeKind() != "barangay" {
		return fail(msgAipNotFound), nil
	}

	owns, err := s.ownsWorkflow(ctx, actor, aip)
	if err != nil {
		return Result{}, err
	}
	if !owns {
		return fail(msgNotUploader), nil
	}

	if aip.Status != store.StatusPendingReview {
		return fail("Cancel submission is only allowed when the AIP status is Pending Review."), nil
	}

	remarks, err := s.revisionRemarks(ctx, aipID)
	if err != nil {
		return Result{}, err
	}
	target := store.StatusDraft
	message := "AIP submission was canceled and moved back to Draft."
	if len(remarks) > 0 {
		target = store.StatusForRevision
		message = "AIP submission was canceled and moved back to For Revision."
	}

	if err := s.store.UpdateAipStatus(ctx, aipID, target); err != nil {
		return Result{}, fmt.Errorf("update aip status: %w", err)
	}

	s.logActivity(ctx, "cancelled", aip, actor, map[string]any{
		"fromStatus": store.StatusPendingReview,
		"toStatus":   target,
	})
	return succeed(message), nil
}

// DeleteDraft removes a never-reviewed draft and its stored files. Storage
// objects go first so a failure leaves the row intact and the operation
// retryable; a row failure after storage cleanup needs manual intervention
// and says so.
func (s *Service) DeleteDraft(ctx context.Context, actor Session, aipID string) (Result, error) {
	if !isLocalOfficialActor(actor) {
		return fail(msgUnauthorized), nil
	}

	aip, err := s.store.GetAip(ctx, aipID)
	if errors.Is(err, sql.ErrNoRows) {
		return fail(msgAipNotFound), nil
	}
	if err != nil {
		return Result{}, err
	}

	allowed, err := s.canDeleteDraft(ctx, actor, aip)
	if err != nil {
		return Result{}, err
	}
	if !allowed {
		return fail(msgNotUploader), nil
	}

	if aip.Status != store.StatusDraft {
		return fail("Delete draft is only allowed when the AIP status is Draft."), nil
	}

	remarks, err := s.revisionRemarks(ctx, aipID)
	if err != nil {
		return Result{}, err
	}
	if len(remarks) > 0 {
		return fail("This draft cannot be deleted because it was previously returned for revision."), nil
	}

	artifactRefs, documentRefs, err := s.collectStorageRefs(ctx, aipID)
	if err != nil {
		return Result{}, err
	}

	// Artifacts before source documents: a partial failure must never leave
	// derived artifacts pointing at deleted sources.
	if err := s.removeChunked(ctx, artifactRefs); err != nil {
		log.Error().Err(err).Str("aip_id", aipID).Msg("delete artifact objects")
		return fail(msgDeleteStorageFailed), nil
	}
	if err := s.removeChunked(ctx, documentRefs); err != nil {
		log.Error().Err(err).Str("aip_id", aipID).Msg("delete document objects")
		return fail(msgDeleteStorageFailed), nil
	}

	if err := s.store.DeleteAip(ctx, aipID); err != nil {
		log.Error().Err(err).Str("aip_id", aipID).Msg("delete aip row after storage cleanup")
		return fail(msgDeleteRowFailed), nil
	}

	s.logActivity(ctx, "draft_deleted", aip, actor, map[string]any{
		"title":      aip.Title,
		"fiscalYear": aip.FiscalYear,
		"fileCount":  len(documentRefs),
	})
	s.logActivity(ctx, "aip_deleted", aip, actor, nil)
	if s.search != nil {
		s.search.DeleteAip(aipID)
	}
	return succeed("Draft AIP deleted successfully."), nil
}

// canDeleteDraft applies the delete-specific scope rules: barangay officials
// pass the full uploader ownership guard; city officials may delete drafts of
// their own city scope; admins may delete anything.
func (s *Service) canDeleteDraft(ctx context.Context, actor Session, aip store.AipRecord) (bool, error) {
	switch rbac.Normalize(actor.Role) {
	case rbac.RoleAdmin:
		return true, nil
	case rbac.RoleBarangayOfficial:
		return s.ownsWorkflow(ctx, actor, aip)
	case rbac.RoleCityOfficial:
		if aip.ScopeKind() == "city" && aip.CityID != nil && actor.ScopeID == *aip.CityID {
			return true, nil
		}
		return false, nil
	default:
		return false, nil
	}
}

// collectStorageRefs gathers every stored object owned by the AIP: uploaded
// source documents in their recorded buckets and extraction artifacts in the
// artifact bucket. Paths are deduplicated and sorted so deletion order is
// deterministic.
func (s *Service) collectStorageRefs(ctx context.Context, aipID string) (artifacts, documents []blob.Ref, err error) {
	files, err := s.store.ListUploadedFiles(ctx, aipID)
	if err != nil {
		return nil, nil, fmt.Errorf("list uploaded files: %w", err)
	}
	documentSet := blob.NewRefSet()
	for _, f := range files {
		documentSet.Add(f.BucketID, f.ObjectName)
	}

	rows, err := s.store.ListExtractionArtifacts(ctx, aipID)
	if err != nil {
		return nil, nil, fmt.Errorf("list extraction artifacts: %w", err)
	}
	artifactSet := blob.NewRefSet()
	for _, a := range rows {
		if a.StoragePath != nil {
			artifactSet.Add(s.cfg.Minio.ArtifactBucket, *a.StoragePath)
		}
	}
	return artifactSet.Sorted(), documentSet.Sorted(), nil
}

func (s *Service) removeChunked(ctx context.Context, refs []blob.Ref) error {
	if s.blobs == nil || len(refs) == 0 {
		return nil
	}
	for start := 0; start < len(refs); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(refs) {
			end = len(refs)
		}
		if err := s.blobs.Remove(ctx, refs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// logActivity writes one audit row. Audit failures are logged and swallowed;
// they must never fail the workflow operation they describe.
func (s *Service) logActivity(ctx context.Context, action string, aip store.AipRecord, actor Session, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["actorName"] = actor.UserName
	metadata["actorRole"] = actor.Role

	entry := store.ActivityLog{
		ID:          util.NewID("act"),
		Action:      action,
		EntityTable: "aips",
		EntityID:    aip.ID,
		BarangayID:  aip.BarangayID,
		CityID:      aip.CityID,
		Metadata:    metadata,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateActivityLog(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Str("aip_id", aip.ID).Msg("write activity log")
	}
}

// RevisionCycles pairs reviewer remarks with the official replies written in
// each remark's time window, newest remark first.
func (s *Service) RevisionCycles(ctx context.Context, viewer *Session, aipID string) ([]revision.Cycle, error) {
	aip, err := s.store.GetAip(ctx, aipID)
	if err != nil {
		return nil, err
	}
	if !s.canViewAip(viewer, aip) {
		return nil, sql.ErrNoRows
	}

	events, err := s.revisionRemarks(ctx, aipID)
	if err != nil {
		return nil, err
	}
	var remarks []revision.Message
	for _, ev := range events {
		// A note-less revision request still opens a cycle and still gates
		// resubmission; it appears here with an empty body rather than
		// vanishing from the read model.
		body := ""
		if ev.Note != nil {
			body = strings.TrimSpace(*ev.Note)
		}
		remarks = append(remarks, revision.Message{
			ID:         ev.ID,
			Body:       body,
			CreatedAt:  ev.CreatedAt,
			AuthorName: ev.ReviewerName,
			AuthorRole: string(rbac.RoleCityOfficial),
		})
	}

	rows, err := s.listRevisionReplies(ctx, aipID)
	if err != nil {
		return nil, err
	}
	var replies []revision.Message
	for _, row := range rows {
		message := revision.Message{
			ID:         row.ID,
			Body:       row.Body,
			CreatedAt:  row.CreatedAt,
			AuthorRole: string(rbac.RoleBarangayOfficial),
		}
		if row.AuthorID != nil {
			if user, err := s.store.GetUser(ctx, *row.AuthorID); err == nil {
				name := user.DisplayName
				message.AuthorName = &name
			}
		}
		replies = append(replies, message)
	}

	cycles := revision.BuildCycles(remarks, replies)
	if cycles == nil {
		cycles = []revision.Cycle{}
	}
	return cycles, nil
}

func searchDocForAip(aip store.AipRecord, status string) search.AipDoc {
	return search.AipDoc{
		ID:        aip.ID,
		Title:     aip.Title,
		ScopeKind: aip.ScopeKind(),
		ScopeID:   aip.ScopeID(),
		Year:      aip.FiscalYear,
		Status:    status,
	}
}
