package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"aipwatch/api/internal/rbac"
	"aipwatch/api/internal/scope"
	"aipwatch/api/internal/search"
	"aipwatch/api/internal/store"
	"aipwatch/api/internal/threads"
	"aipwatch/api/internal/util"
)

// maxFeedbackBodyLen caps one feedback message.
const maxFeedbackBodyLen = 1000

var citizenKinds = map[string]bool{
	store.KindCommend:    true,
	store.KindSuggestion: true,
	store.KindConcern:    true,
	store.KindQuestion:   true,
}

// TargetQuery names one feedback target: a whole AIP or one project line
// item, optionally narrowed to a single field.
type TargetQuery struct {
	TargetType string
	AipID      string
	ProjectID  string
	FieldKey   string
}

func (q TargetQuery) validate() error {
	switch q.TargetType {
	case store.TargetAip:
		if strings.TrimSpace(q.AipID) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "aipId is required for aip targets", nil)
		}
	case store.TargetProject:
		if strings.TrimSpace(q.ProjectID) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "projectId is required for project targets", nil)
		}
	default:
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "targetType must be aip or project", nil)
	}
	return nil
}

func (q TargetQuery) filter() store.FeedbackFilter {
	filter := store.FeedbackFilter{TargetType: q.TargetType}
	if q.TargetType == store.TargetAip {
		aipID := q.AipID
		filter.AipID = &aipID
	} else {
		projectID := q.ProjectID
		filter.ProjectID = &projectID
	}
	if strings.TrimSpace(q.FieldKey) != "" {
		fieldKey := q.FieldKey
		filter.FieldKey = &fieldKey
	}
	return filter
}

// resolveTargetAip finds the AIP a target belongs to. Project targets resolve
// through their line item. The second return is false when no AIP exists.
func (s *Service) resolveTargetAip(ctx context.Context, q TargetQuery) (store.AipRecord, bool, error) {
	aipID := q.AipID
	if q.TargetType == store.TargetProject {
		id, err := s.store.GetAipIDForProject(ctx, q.ProjectID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.AipRecord{}, false, nil
		}
		if err != nil {
			return store.AipRecord{}, false, err
		}
		aipID = id
	}
	aip, err := s.store.GetAip(ctx, aipID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AipRecord{}, false, nil
	}
	if err != nil {
		return store.AipRecord{}, false, err
	}
	return aip, true, nil
}

// viewerSeesPrivate reports whether the viewer may read non-public rows for
// the target AIP. Citizens and anonymous callers never do.
func (s *Service) viewerSeesPrivate(viewer *Session, aip store.AipRecord, found bool) bool {
	if viewer == nil {
		return false
	}
	role := rbac.Normalize(viewer.Role)
	if role == rbac.RoleAdmin {
		return true
	}
	if !rbac.IsOfficial(role) || viewer.ScopeKind == "" {
		return false
	}
	kind := scope.KindBarangay
	var ref *scope.Ref
	if found {
		kind = aip.ScopeKind()
		ref = s.scopeRefForAip(aip)
	}
	if !scope.CanAccessKind(viewer.ScopeKind, kind) {
		return false
	}
	return s.registry.MatchesScopeID(viewer.ScopeID, viewer.ScopeKind, ref)
}

func publicRows(rows []store.FeedbackRow) []store.FeedbackRow {
	var filtered []store.FeedbackRow
	for _, row := range rows {
		if row.IsPublic {
			filtered = append(filtered, row)
		}
	}
	return filtered
}

// ListThreads returns the reconstructed threads for one target, newest root
// first. Citizens and anonymous viewers only see public rows on published
// AIPs.
func (s *Service) ListThreads(ctx context.Context, viewer *Session, q TargetQuery) ([]threads.Thread, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	aip, found, err := s.resolveTargetAip(ctx, q)
	if err != nil {
		return nil, err
	}

	if !s.viewerSeesPrivate(viewer, aip, found) {
		if !found || !s.public.Readable(aip.Status) {
			return []threads.Thread{}, nil
		}
	}

	rows, err := s.store.ListFeedback(ctx, q.filter())
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	if !s.viewerSeesPrivate(viewer, aip, found) {
		rows = publicRows(rows)
	}

	result := threads.Build(rows)
	if result == nil {
		result = []threads.Thread{}
	}
	return result, nil
}

// ThreadMessages returns one thread's root and direct replies, oldest first.
// Unknown thread ids yield an empty list rather than an error.
func (s *Service) ThreadMessages(ctx context.Context, viewer *Session, threadID string) ([]store.FeedbackRow, error) {
	root, err := s.store.GetFeedback(ctx, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return []store.FeedbackRow{}, nil
	}
	if err != nil {
		return nil, err
	}

	q := targetQueryForRow(root)
	aip, found, err := s.resolveTargetAip(ctx, q)
	if err != nil {
		return nil, err
	}
	seesPrivate := s.viewerSeesPrivate(viewer, aip, found)
	if !seesPrivate && (!found || !s.public.Readable(aip.Status)) {
		return []store.FeedbackRow{}, nil
	}

	rows, err := s.store.ListFeedback(ctx, q.filter())
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}

	rowsByID := make(map[string]store.FeedbackRow, len(rows))
	for _, row := range rows {
		rowsByID[row.ID] = row
	}
	rootID := threads.ResolveRootID(threadID, rowsByID)

	messages := threads.Messages(rootID, rows)
	if !seesPrivate {
		messages = publicRows(messages)
	}
	if messages == nil {
		messages = []store.FeedbackRow{}
	}
	return messages, nil
}

func targetQueryForRow(row store.FeedbackRow) TargetQuery {
	q := TargetQuery{TargetType: row.TargetType}
	if row.AipID != nil {
		q.AipID = *row.AipID
	}
	if row.ProjectID != nil {
		q.ProjectID = *row.ProjectID
	}
	if row.FieldKey != nil {
		q.FieldKey = *row.FieldKey
	}
	return q
}

// CreateThreadRequest opens a new feedback thread.
type CreateThreadRequest struct {
	TargetType string
	AipID      string
	ProjectID  string
	FieldKey   string
	Kind       string
	Body       string
}

// CreateThread opens a new feedback thread on a target. Roots always carry
// one of the citizen feedback kinds; officials answer inside threads, they do
// not open them with lgu_note roots.
func (s *Service) CreateThread(ctx context.Context, actor Session, req CreateThreadRequest) (store.FeedbackRow, error) {
	q := TargetQuery{TargetType: req.TargetType, AipID: req.AipID, ProjectID: req.ProjectID, FieldKey: req.FieldKey}
	if err := q.validate(); err != nil {
		return store.FeedbackRow{}, err
	}
	if !citizenKinds[req.Kind] {
		return store.FeedbackRow{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "kind must be one of commend, suggestion, concern, question", nil)
	}
	body, err := validateBody(req.Body)
	if err != nil {
		return store.FeedbackRow{}, err
	}

	aip, found, err := s.resolveTargetAip(ctx, q)
	if err != nil {
		return store.FeedbackRow{}, err
	}
	role := rbac.Normalize(actor.Role)
	if role == rbac.RoleCitizen {
		if !found || !s.public.Readable(aip.Status) {
			return store.FeedbackRow{}, domainError(http.StatusNotFound, "NOT_FOUND", msgAipNotFound, nil)
		}
		if err := s.enforceFeedbackRate(ctx, actor.UserID); err != nil {
			return store.FeedbackRow{}, err
		}
	} else if !found {
		return store.FeedbackRow{}, domainError(http.StatusNotFound, "NOT_FOUND", msgAipNotFound, nil)
	}

	row := s.newFeedbackRow(q, nil, req.Kind, body, actor.UserID)
	if err := s.store.CreateFeedback(ctx, row); err != nil {
		return store.FeedbackRow{}, fmt.Errorf("create feedback: %w", err)
	}

	if s.search != nil && found && s.public.Readable(aip.Status) {
		s.search.IndexFeedback(search.FeedbackDoc{
			ID:        row.ID,
			Body:      row.Body,
			Kind:      row.Kind,
			AipID:     aip.ID,
			ScopeKind: aip.ScopeKind(),
			IsPublic:  row.IsPublic,
		})
	}
	return row, nil
}

// AddReply appends a direct reply to a thread. Officials may only answer
// citizen-initiated threads and their replies are recorded as lgu_note.
func (s *Service) AddReply(ctx context.Context, actor Session, threadID, body string) (store.FeedbackRow, error) {
	trimmed, err := validateBody(body)
	if err != nil {
		return store.FeedbackRow{}, err
	}

	anchor, err := s.store.GetFeedback(ctx, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.FeedbackRow{}, domainError(http.StatusNotFound, "NOT_FOUND", "Thread not found", nil)
	}
	if err != nil {
		return store.FeedbackRow{}, err
	}

	q := targetQueryForRow(anchor)
	rows, err := s.store.ListFeedback(ctx, q.filter())
	if err != nil {
		return store.FeedbackRow{}, fmt.Errorf("list feedback: %w", err)
	}
	rowsByID := make(map[string]store.FeedbackRow, len(rows))
	for _, row := range rows {
		rowsByID[row.ID] = row
	}
	rootID := threads.ResolveRootID(threadID, rowsByID)
	root, ok := rowsByID[rootID]
	if !ok {
		root = anchor
	}

	aip, found, err := s.resolveTargetAip(ctx, q)
	if err != nil {
		return store.FeedbackRow{}, err
	}

	role := rbac.Normalize(actor.Role)
	kind := root.Kind
	switch {
	case role == rbac.RoleCitizen:
		if !found || !s.public.Readable(aip.Status) {
			return store.FeedbackRow{}, domainError(http.StatusNotFound, "NOT_FOUND", msgAipNotFound, nil)
		}
		if err := s.enforceFeedbackRate(ctx, actor.UserID); err != nil {
			return store.FeedbackRow{}, err
		}
	default:
		if !citizenKinds[root.Kind] {
			return store.FeedbackRow{}, domainError(http.StatusForbidden, "FORBIDDEN", "Officials can only reply to citizen feedback threads", nil)
		}
		kind = store.KindLguNote
	}

	row := s.newFeedbackRow(q, &root.ID, kind, trimmed, actor.UserID)
	if err := s.store.CreateFeedback(ctx, row); err != nil {
		return store.FeedbackRow{}, fmt.Errorf("create feedback: %w", err)
	}
	return row, nil
}

func (s *Service) newFeedbackRow(q TargetQuery, parentID *string, kind, body, authorID string) store.FeedbackRow {
	now := s.now()
	row := store.FeedbackRow{
		ID:               util.NewID("fb"),
		TargetType:       q.TargetType,
		ParentFeedbackID: parentID,
		Kind:             kind,
		Source:           store.SourceHuman,
		Body:             body,
		IsPublic:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if q.TargetType == store.TargetAip {
		aipID := q.AipID
		row.AipID = &aipID
	} else {
		projectID := q.ProjectID
		row.ProjectID = &projectID
	}
	if strings.TrimSpace(q.FieldKey) != "" {
		fieldKey := q.FieldKey
		row.FieldKey = &fieldKey
	}
	if authorID != "" {
		author := authorID
		row.AuthorID = &author
	}
	return row
}

func validateBody(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	if len(trimmed) > maxFeedbackBodyLen {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body must be 1000 characters or fewer", nil)
	}
	return trimmed, nil
}

func (s *Service) enforceFeedbackRate(ctx context.Context, authorID string) error {
	limit := s.cfg.Feedback.RateLimitPerHour
	if limit <= 0 || authorID == "" {
		return nil
	}
	count, err := s.store.CountFeedbackByAuthorSince(ctx, authorID, s.now().Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("count recent feedback: %w", err)
	}
	if count >= limit {
		return domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many feedback messages. Please try again later.", nil)
	}
	return nil
}

// InboxQuery narrows the official inbox listing.
type InboxQuery struct {
	ScopeKind  string
	ScopeID    string
	Visibility string
}

// Inbox lists the threads an official's scope covers, most recently active
// first. Non-admin officials are pinned to their own scope unless they narrow
// further.
func (s *Service) Inbox(ctx context.Context, actor Session, q InboxQuery) ([]threads.Thread, error) {
	role := rbac.Normalize(actor.Role)
	if !rbac.Can(role, rbac.ActionManageWorkflow) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	requestedKind := q.ScopeKind
	scopeID := q.ScopeID
	if role != rbac.RoleAdmin {
		if requestedKind == "" {
			requestedKind = actor.ScopeKind
		}
		if scopeID == "" {
			scopeID = actor.ScopeID
		}
	}
	switch requestedKind {
	case scope.KindBarangay, scope.KindCity, scope.KindMunicipality:
	case "":
		if role == rbac.RoleAdmin {
			requestedKind = scope.KindCity
		} else {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "scope is required", nil)
		}
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "scope must be barangay, city, or municipality", nil)
	}

	rows, err := s.store.ListFeedback(ctx, store.FeedbackFilter{})
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}

	all := threads.Build(rows)
	aips := make(map[string]*store.AipRecord)
	publicOnly := q.Visibility == "public"

	var visible []threads.Thread
	for _, thread := range all {
		aip, found, err := s.cachedAipForRow(ctx, thread.Root, aips)
		if err != nil {
			return nil, err
		}

		kind := scope.KindBarangay
		var ref *scope.Ref
		if found {
			kind = aip.ScopeKind()
			ref = s.scopeRefForAip(aip)
		}
		if !scope.CanAccessKind(requestedKind, kind) {
			continue
		}
		if !s.registry.MatchesScopeID(scopeID, requestedKind, ref) {
			continue
		}
		if publicOnly {
			if !found || !s.public.Readable(aip.Status) || !thread.Root.IsPublic {
				continue
			}
			thread.Replies = publicRows(thread.Replies)
		}
		visible = append(visible, thread)
	}

	sort.SliceStable(visible, func(i, j int) bool {
		return lastActivity(visible[i]).After(lastActivity(visible[j]))
	})
	if visible == nil {
		visible = []threads.Thread{}
	}
	return visible, nil
}

func (s *Service) cachedAipForRow(ctx context.Context, row store.FeedbackRow, cache map[string]*store.AipRecord) (store.AipRecord, bool, error) {
	key := row.TargetType + ":"
	if row.AipID != nil {
		key += *row.AipID
	} else if row.ProjectID != nil {
		key += *row.ProjectID
	}
	if cached, ok := cache[key]; ok {
		if cached == nil {
			return store.AipRecord{}, false, nil
		}
		return *cached, true, nil
	}

	aip, found, err := s.resolveTargetAip(ctx, targetQueryForRow(row))
	if err != nil {
		return store.AipRecord{}, false, err
	}
	if found {
		copied := aip
		cache[key] = &copied
	} else {
		cache[key] = nil
	}
	return aip, found, nil
}

func lastActivity(thread threads.Thread) time.Time {
	latest := thread.Root.UpdatedAt
	if thread.Root.CreatedAt.After(latest) {
		latest = thread.Root.CreatedAt
	}
	for _, reply := range thread.Replies {
		if reply.CreatedAt.After(latest) {
			latest = reply.CreatedAt
		}
		if reply.UpdatedAt.After(latest) {
			latest = reply.UpdatedAt
		}
	}
	return latest
}
