package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the volatile backend. It mirrors PostgresStore's observable
// behavior exactly, including (created_at, id) ascending list order, the
// sql.ErrNoRows not-found sentinel, and the delete cascade over an AIP's
// dependent rows.
type MemoryStore struct {
	mu        sync.RWMutex
	aips      map[string]AipRecord
	feedback  []FeedbackRow
	lineItems []AipLineItem
	files     []UploadedFile
	artifacts []ExtractionArtifact
	reviews   []ReviewEvent
	users     map[string]User
	scopes    []ScopeEntry
	activity  []ActivityLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		aips:  make(map[string]AipRecord),
		users: make(map[string]User),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

type timestamped interface {
	sortKey() (time.Time, string)
}

func (f FeedbackRow) sortKey() (time.Time, string)        { return f.CreatedAt, f.ID }
func (i AipLineItem) sortKey() (time.Time, string)        { return i.CreatedAt, i.ID }
func (f UploadedFile) sortKey() (time.Time, string)       { return f.CreatedAt, f.ID }
func (a ExtractionArtifact) sortKey() (time.Time, string) { return a.CreatedAt, a.ID }
func (e ReviewEvent) sortKey() (time.Time, string)        { return e.CreatedAt, e.ID }
func (l ActivityLog) sortKey() (time.Time, string)        { return l.CreatedAt, l.ID }
func (a AipRecord) sortKey() (time.Time, string)          { return a.CreatedAt, a.ID }

func sortAsc[T timestamped](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		leftAt, leftID := items[i].sortKey()
		rightAt, rightID := items[j].sortKey()
		if !leftAt.Equal(rightAt) {
			return leftAt.Before(rightAt)
		}
		return leftID < rightID
	})
}

// ── AIPs ──

func (s *MemoryStore) GetAip(ctx context.Context, id string) (AipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aips[id]
	if !ok {
		return AipRecord{}, sql.ErrNoRows
	}
	return a, nil
}

func (s *MemoryStore) CreateAip(ctx context.Context, a AipRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aips[a.ID] = a
	return nil
}

func (s *MemoryStore) UpdateAipStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aips[id]
	if !ok {
		return sql.ErrNoRows
	}
	a.Status = status
	s.aips[id] = a
	return nil
}

func (s *MemoryStore) DeleteAip(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aips[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.aips, id)

	keepItems := s.lineItems[:0]
	for _, item := range s.lineItems {
		if item.AipID != id {
			keepItems = append(keepItems, item)
		}
	}
	s.lineItems = keepItems

	keepFiles := s.files[:0]
	for _, f := range s.files {
		if f.AipID != id {
			keepFiles = append(keepFiles, f)
		}
	}
	s.files = keepFiles

	keepArtifacts := s.artifacts[:0]
	for _, a := range s.artifacts {
		if a.AipID != id {
			keepArtifacts = append(keepArtifacts, a)
		}
	}
	s.artifacts = keepArtifacts

	keepReviews := s.reviews[:0]
	for _, ev := range s.reviews {
		if ev.AipID != id {
			keepReviews = append(keepReviews, ev)
		}
	}
	s.reviews = keepReviews

	return nil
}

func (s *MemoryStore) ListAipsByStatus(ctx context.Context, status string) ([]AipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []AipRecord
	for _, a := range s.aips {
		if a.Status == status {
			items = append(items, a)
		}
	}
	sortAsc(items)
	return items, nil
}

// ── Feedback ──

func (s *MemoryStore) CreateFeedback(ctx context.Context, f FeedbackRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, f)
	return nil
}

func (s *MemoryStore) GetFeedback(ctx context.Context, id string) (FeedbackRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.feedback {
		if f.ID == id {
			return f, nil
		}
	}
	return FeedbackRow{}, sql.ErrNoRows
}

func matchesFilter(f FeedbackRow, filter FeedbackFilter) bool {
	if filter.TargetType != "" && f.TargetType != filter.TargetType {
		return false
	}
	if filter.AipID != nil && (f.AipID == nil || *f.AipID != *filter.AipID) {
		return false
	}
	if filter.ProjectID != nil && (f.ProjectID == nil || *f.ProjectID != *filter.ProjectID) {
		return false
	}
	if filter.FieldKey != nil && (f.FieldKey == nil || *f.FieldKey != *filter.FieldKey) {
		return false
	}
	if filter.Kind != nil && f.Kind != *filter.Kind {
		return false
	}
	if filter.Source != nil && f.Source != *filter.Source {
		return false
	}
	if filter.ParentID != nil && (f.ParentFeedbackID == nil || *f.ParentFeedbackID != *filter.ParentID) {
		return false
	}
	if filter.RootsOnly && f.ParentFeedbackID != nil {
		return false
	}
	return true
}

func (s *MemoryStore) ListFeedback(ctx context.Context, filter FeedbackFilter) ([]FeedbackRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []FeedbackRow
	for _, f := range s.feedback {
		if matchesFilter(f, filter) {
			items = append(items, f)
		}
	}
	sortAsc(items)
	return items, nil
}

func (s *MemoryStore) UpdateFeedback(ctx context.Context, id, body, kind string, isPublic bool) (FeedbackRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.feedback {
		if f.ID == id {
			f.Body = body
			f.Kind = kind
			f.IsPublic = isPublic
			f.UpdatedAt = time.Now().UTC()
			s.feedback[i] = f
			return f, nil
		}
	}
	return FeedbackRow{}, sql.ErrNoRows
}

func (s *MemoryStore) CountFeedbackByAuthorSince(ctx context.Context, authorID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, f := range s.feedback {
		if f.AuthorID != nil && *f.AuthorID == authorID && !f.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// ── Line items ──

func (s *MemoryStore) ListLineItems(ctx context.Context, aipID string) ([]AipLineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []AipLineItem
	for _, item := range s.lineItems {
		if item.AipID == aipID {
			items = append(items, item)
		}
	}
	sortAsc(items)
	return items, nil
}

func (s *MemoryStore) CreateLineItem(ctx context.Context, item AipLineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lineItems = append(s.lineItems, item)
	return nil
}

func (s *MemoryStore) SetLineItemReviewStatus(ctx context.Context, id, reviewStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.lineItems {
		if item.ID == id {
			s.lineItems[i].ReviewStatus = reviewStatus
			return nil
		}
	}
	return sql.ErrNoRows
}

func (s *MemoryStore) GetAipIDForProject(ctx context.Context, projectID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []AipLineItem
	for _, item := range s.lineItems {
		if item.ProjectRefCode == projectID {
			matches = append(matches, item)
		}
	}
	if len(matches) == 0 {
		return "", sql.ErrNoRows
	}
	sortAsc(matches)
	return matches[0].AipID, nil
}

// ── Uploaded files & extraction artifacts ──

func (s *MemoryStore) ListUploadedFiles(ctx context.Context, aipID string) ([]UploadedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []UploadedFile
	for _, f := range s.files {
		if f.AipID == aipID {
			items = append(items, f)
		}
	}
	sortAsc(items)
	return items, nil
}

func (s *MemoryStore) CreateUploadedFile(ctx context.Context, f UploadedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, f)
	return nil
}

func (s *MemoryStore) ListExtractionArtifacts(ctx context.Context, aipID string) ([]ExtractionArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []ExtractionArtifact
	for _, a := range s.artifacts {
		if a.AipID == aipID {
			items = append(items, a)
		}
	}
	sortAsc(items)
	return items, nil
}

func (s *MemoryStore) CreateExtractionArtifact(ctx context.Context, a ExtractionArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, a)
	return nil
}

// ── Review events ──

func (s *MemoryStore) ListReviewEvents(ctx context.Context, aipID string) ([]ReviewEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []ReviewEvent
	for _, ev := range s.reviews {
		if ev.AipID == aipID {
			items = append(items, ev)
		}
	}
	sortAsc(items)
	return items, nil
}

func (s *MemoryStore) CreateReviewEvent(ctx context.Context, ev ReviewEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews = append(s.reviews, ev)
	return nil
}

// ── Users ──

func (s *MemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return u, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (s *MemoryStore) CreateUser(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

// ── Scope registry ──

func (s *MemoryStore) ListScopeEntries(ctx context.Context) ([]ScopeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]ScopeEntry, len(s.scopes))
	copy(items, s.scopes)
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) CreateScopeEntry(ctx context.Context, entry ScopeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.scopes {
		if existing.ID == entry.ID {
			s.scopes[i] = entry
			return nil
		}
	}
	s.scopes = append(s.scopes, entry)
	return nil
}

// ── Activity log ──

func (s *MemoryStore) CreateActivityLog(ctx context.Context, entry ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, entry)
	return nil
}

func (s *MemoryStore) ListActivityLogs(ctx context.Context, entityTable, entityID string) ([]ActivityLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []ActivityLog
	for _, entry := range s.activity {
		if entry.EntityTable == entityTable && entry.EntityID == entityID {
			items = append(items, entry)
		}
	}
	sortAsc(items)
	return items, nil
}
