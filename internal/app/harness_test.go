package app

import (
	"context"
	"sync"
	"time"

	"aipwatch/api/internal/blob"
	"aipwatch/api/internal/config"
	"aipwatch/api/internal/scope"
	"aipwatch/api/internal/store"
)

// fakeStore delegates to the in-memory backend and lets individual tests
// inject failures on the methods they care about.
type fakeStore struct {
	*store.MemoryStore
	deleteAipFn         func(ctx context.Context, id string) error
	updateAipStatusFn   func(ctx context.Context, id, status string) error
	createActivityLogFn func(ctx context.Context, entry store.ActivityLog) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{MemoryStore: store.NewMemoryStore()}
}

func (f *fakeStore) DeleteAip(ctx context.Context, id string) error {
	if f.deleteAipFn != nil {
		return f.deleteAipFn(ctx, id)
	}
	return f.MemoryStore.DeleteAip(ctx, id)
}

func (f *fakeStore) UpdateAipStatus(ctx context.Context, id, status string) error {
	if f.updateAipStatusFn != nil {
		return f.updateAipStatusFn(ctx, id, status)
	}
	return f.MemoryStore.UpdateAipStatus(ctx, id, status)
}

func (f *fakeStore) CreateActivityLog(ctx context.Context, entry store.ActivityLog) error {
	if f.createActivityLogFn != nil {
		return f.createActivityLogFn(ctx, entry)
	}
	return f.MemoryStore.CreateActivityLog(ctx, entry)
}

// fakeSessions is an in-memory refresh session store.
type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]store.User)}
}

func (f *fakeSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, errTokenNotFound
	}
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

func (f *fakeSessions) Ping(ctx context.Context) error { return nil }

type tokenNotFoundError struct{}

func (tokenNotFoundError) Error() string { return "token not found or expired" }

var errTokenNotFound = tokenNotFoundError{}

var testEpoch = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func newTestService(fs *fakeStore, blobs blob.Store) *Service {
	cfg := config.Config{Addr: ":0"}
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AccessTTLSeconds = 900
	cfg.Auth.RefreshTTLSeconds = 3600
	cfg.Minio.ArtifactBucket = "aip-artifacts"
	cfg.Minio.DocumentBucket = "aip-documents"
	cfg.Feedback.RateLimitPerHour = 5

	svc := New(cfg, fs, nil, blobs, nil)
	svc.registry = scope.NewRegistry([]string{"bgy-1", "bgy-2", "city-1", "mun-1"})

	// A strictly increasing clock so appended rows always order after
	// previously seeded ones.
	var tick time.Duration
	var mu sync.Mutex
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick += time.Second
		return testEpoch.Add(time.Hour + tick)
	}
	return svc
}

// Actors reused across tests.
var (
	actorOwner = Session{UserID: "usr-owner", UserName: "Bgy Owner", Role: "barangay_official", ScopeKind: "barangay", ScopeID: "bgy-1"}
	actorPeer  = Session{UserID: "usr-peer", UserName: "Bgy Peer", Role: "barangay_official", ScopeKind: "barangay", ScopeID: "bgy-1"}
	actorOther = Session{UserID: "usr-other", UserName: "Other Bgy", Role: "barangay_official", ScopeKind: "barangay", ScopeID: "bgy-2"}
	actorCity  = Session{UserID: "usr-city", UserName: "City Reviewer", Role: "city_official", ScopeKind: "city", ScopeID: "city-1"}
	actorAdmin = Session{UserID: "usr-admin", UserName: "Admin", Role: "admin"}
	actorCtz   = Session{UserID: "usr-ctz", UserName: "Citizen", Role: "citizen"}
)

func strPtr(s string) *string { return &s }

func seedUser(fs *fakeStore, actor Session) {
	user := store.User{
		ID:          actor.UserID,
		Email:       actor.UserID + "@example.test",
		DisplayName: actor.UserName,
		Role:        actor.Role,
		CreatedAt:   testEpoch,
	}
	if actor.ScopeKind != "" {
		user.ScopeKind = strPtr(actor.ScopeKind)
		user.ScopeID = strPtr(actor.ScopeID)
	}
	_ = fs.CreateUser(context.Background(), user)
}

func seedBarangayAip(fs *fakeStore, id, status string) store.AipRecord {
	aip := store.AipRecord{
		ID:         id,
		Title:      "Barangay AIP 2026",
		FiscalYear: 2026,
		BarangayID: strPtr("bgy-1"),
		CityID:     strPtr("city-1"),
		Status:     status,
		CreatedBy:  strPtr(actorOwner.UserID),
		CreatedAt:  testEpoch,
	}
	_ = fs.CreateAip(context.Background(), aip)
	return aip
}

func seedCityAip(fs *fakeStore, id, status string) store.AipRecord {
	aip := store.AipRecord{
		ID:         id,
		Title:      "City AIP 2026",
		FiscalYear: 2026,
		CityID:     strPtr("city-1"),
		Status:     status,
		CreatedBy:  strPtr(actorCity.UserID),
		CreatedAt:  testEpoch,
	}
	_ = fs.CreateAip(context.Background(), aip)
	return aip
}

func seedRevisionRequest(fs *fakeStore, aipID, id string, at time.Time) {
	_ = fs.CreateReviewEvent(context.Background(), store.ReviewEvent{
		ID:           id,
		AipID:        aipID,
		ReviewerID:   strPtr(actorCity.UserID),
		ReviewerName: strPtr(actorCity.UserName),
		Action:       store.ReviewActionRequestRevision,
		Note:         strPtr("Please revise the totals."),
		CreatedAt:    at,
	})
}

func seedReplyRow(fs *fakeStore, aipID, id, authorID string, at time.Time) {
	aipRef := aipID
	author := authorID
	_ = fs.CreateFeedback(context.Background(), store.FeedbackRow{
		ID:         id,
		TargetType: store.TargetAip,
		AipID:      &aipRef,
		Kind:       store.KindLguNote,
		Source:     store.SourceHuman,
		Body:       "We fixed the totals.",
		AuthorID:   &author,
		IsPublic:   true,
		CreatedAt:  at,
		UpdatedAt:  at,
	})
}

func seedCurrentUpload(fs *fakeStore, aipID, uploadedBy string) {
	_ = fs.CreateUploadedFile(context.Background(), store.UploadedFile{
		ID:         "uf-" + aipID,
		AipID:      aipID,
		BucketID:   "aip-documents",
		ObjectName: aipID + "/source.pdf",
		UploadedBy: strPtr(uploadedBy),
		IsCurrent:  true,
		CreatedAt:  testEpoch,
	})
}
