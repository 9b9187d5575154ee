package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"aipwatch/api/internal/auth"
	"aipwatch/api/internal/authpw"
	"aipwatch/api/internal/blob"
	"aipwatch/api/internal/config"
	"aipwatch/api/internal/rbac"
	"aipwatch/api/internal/scope"
	"aipwatch/api/internal/search"
	"aipwatch/api/internal/store"
	"aipwatch/api/internal/util"
)

// dataStore is the storage contract shared by the Postgres and in-memory
// backends. List methods return rows ordered by (createdAt, id) ascending and
// getters return sql.ErrNoRows when the row does not exist.
type dataStore interface {
	Ping(ctx context.Context) error

	GetAip(ctx context.Context, id string) (store.AipRecord, error)
	CreateAip(ctx context.Context, a store.AipRecord) error
	UpdateAipStatus(ctx context.Context, id, status string) error
	DeleteAip(ctx context.Context, id string) error
	ListAipsByStatus(ctx context.Context, status string) ([]store.AipRecord, error)

	CreateFeedback(ctx context.Context, f store.FeedbackRow) error
	GetFeedback(ctx context.Context, id string) (store.FeedbackRow, error)
	ListFeedback(ctx context.Context, filter store.FeedbackFilter) ([]store.FeedbackRow, error)
	UpdateFeedback(ctx context.Context, id, body, kind string, isPublic bool) (store.FeedbackRow, error)
	CountFeedbackByAuthorSince(ctx context.Context, authorID string, since time.Time) (int, error)

	ListLineItems(ctx context.Context, aipID string) ([]store.AipLineItem, error)
	CreateLineItem(ctx context.Context, item store.AipLineItem) error
	SetLineItemReviewStatus(ctx context.Context, id, reviewStatus string) error
	GetAipIDForProject(ctx context.Context, projectID string) (string, error)

	ListUploadedFiles(ctx context.Context, aipID string) ([]store.UploadedFile, error)
	CreateUploadedFile(ctx context.Context, f store.UploadedFile) error
	ListExtractionArtifacts(ctx context.Context, aipID string) ([]store.ExtractionArtifact, error)
	CreateExtractionArtifact(ctx context.Context, a store.ExtractionArtifact) error

	ListReviewEvents(ctx context.Context, aipID string) ([]store.ReviewEvent, error)
	CreateReviewEvent(ctx context.Context, ev store.ReviewEvent) error

	GetUser(ctx context.Context, id string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, u store.User) error

	ListScopeEntries(ctx context.Context) ([]store.ScopeEntry, error)
	CreateScopeEntry(ctx context.Context, entry store.ScopeEntry) error

	CreateActivityLog(ctx context.Context, entry store.ActivityLog) error
	ListActivityLogs(ctx context.Context, entityTable, entityID string) ([]store.ActivityLog, error)
}

// sessionStore persists refresh sessions.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

// searchIndex is the subset of the search service the app layer drives.
type searchIndex interface {
	Search(q search.Query) search.Response
	IndexAip(doc search.AipDoc)
	IndexFeedback(doc search.FeedbackDoc)
	DeleteAip(id string)
	ReindexAllFromPG(ctx context.Context)
}

// Session is the resolved actor for one request.
type Session struct {
	UserID    string
	UserName  string
	Role      string
	ScopeKind string
	ScopeID   string
	JTI       string
}

// AuthSession is what sign-in and refresh hand back to the HTTP layer.
type AuthSession struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	ScopeKind    string
	ScopeID      string
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	blobs    blob.Store
	search   searchIndex
	authpw   *authpw.Service

	public   scope.PublicStatuses
	registry *scope.Registry

	now func() time.Time
}

func New(cfg config.Config, data dataStore, sessions sessionStore, blobs blob.Store, searchService searchIndex) *Service {
	return &Service{
		cfg:      cfg,
		store:    data,
		sessions: sessions,
		blobs:    blobs,
		search:   searchService,
		authpw:   authpw.NewService(data),
		public:   scope.DefaultPublicStatuses(),
		registry: scope.NewRegistry(nil),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Bootstrap loads the scope registry and rebuilds the search index. Failures
// are reported but non-fatal; the server still serves with a stale registry.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.reloadRegistry(ctx); err != nil {
		return fmt.Errorf("load scope registry: %w", err)
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) reloadRegistry(ctx context.Context) error {
	entries, err := s.store.ListScopeEntries(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	s.registry = scope.NewRegistry(ids)
	return nil
}

// Ping reports readiness of the backing stores.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if s.sessions != nil {
		if err := s.sessions.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

// SessionFromToken validates an access token and returns the actor it names.
// Expiry is checked against the service clock, the same clock that minted it.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseTokenAt([]byte(s.cfg.Auth.JWTSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	return Session{
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		ScopeKind: claims.ScopeKind,
		ScopeID:   claims.ScopeID,
		JTI:       claims.JTI,
	}, nil
}

// SignIn authenticates an account and opens a refresh session.
func (s *Service) SignIn(ctx context.Context, email, password string) (AuthSession, error) {
	user, err := s.authpw.SignIn(ctx, email, password)
	if err != nil {
		return AuthSession{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil)
	}
	return s.openSession(ctx, user)
}

// Refresh rotates a refresh token and issues a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthSession, error) {
	if s.sessions == nil {
		return AuthSession{}, errors.New("refresh sessions not configured")
	}
	oldHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, oldHash)
	if err != nil {
		return AuthSession{}, auth.ErrInvalidToken
	}
	session, err := s.openSession(ctx, user)
	if err != nil {
		return AuthSession{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, oldHash); err != nil {
		log.Warn().Err(err).Msg("revoke rotated refresh token")
	}
	return session, nil
}

// Logout revokes the refresh session. Missing or foreign tokens are a no-op.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if s.sessions == nil || strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) openSession(ctx context.Context, user store.User) (AuthSession, error) {
	claims := auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  util.NewID("jti"),
		Exp:  s.now().Add(s.cfg.AccessTTL()).Unix(),
	}
	if user.ScopeKind != nil {
		claims.ScopeKind = *user.ScopeKind
	}
	if user.ScopeID != nil {
		claims.ScopeID = *user.ScopeID
	}

	token, err := auth.IssueToken([]byte(s.cfg.Auth.JWTSecret), claims)
	if err != nil {
		return AuthSession{}, fmt.Errorf("issue token: %w", err)
	}

	refreshToken := newRefreshToken()
	if s.sessions != nil {
		expiresAt := s.now().Add(s.cfg.RefreshTTL())
		if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user, expiresAt); err != nil {
			return AuthSession{}, fmt.Errorf("save refresh session: %w", err)
		}
	}

	return AuthSession{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		ScopeKind:    claims.ScopeKind,
		ScopeID:      claims.ScopeID,
	}, nil
}

func newRefreshToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// GetAip returns one AIP, enforcing published-only visibility for citizens
// and anonymous callers.
func (s *Service) GetAip(ctx context.Context, viewer *Session, id string) (store.AipRecord, error) {
	aip, err := s.store.GetAip(ctx, id)
	if err != nil {
		return store.AipRecord{}, err
	}
	if !s.canViewAip(viewer, aip) {
		return store.AipRecord{}, sql.ErrNoRows
	}
	return aip, nil
}

// canViewAip decides read access: published AIPs are public, everything else
// requires an official whose scope covers the AIP.
func (s *Service) canViewAip(viewer *Session, aip store.AipRecord) bool {
	if s.public.Readable(aip.Status) {
		return true
	}
	if viewer == nil {
		return false
	}
	if rbac.Normalize(viewer.Role) == rbac.RoleAdmin {
		return true
	}
	if viewer.ScopeKind == "" {
		return false
	}
	if !scope.CanAccessKind(viewer.ScopeKind, aip.ScopeKind()) {
		return false
	}
	return s.registry.MatchesScopeID(viewer.ScopeID, viewer.ScopeKind, s.scopeRefForAip(aip))
}

func (s *Service) scopeRefForAip(aip store.AipRecord) *scope.Ref {
	id := aip.ScopeID()
	ref := &scope.Ref{Kind: aip.ScopeKind()}
	if id != "" {
		ref.ScopeID = &id
	}
	if aip.CityID != nil {
		ref.CityID = aip.CityID
	}
	if aip.MunicipalityID != nil {
		ref.MunicipalityID = aip.MunicipalityID
	}
	return ref
}

// Search runs the public search. Unauthenticated callers only ever see
// published AIPs because only published AIPs are indexed.
func (s *Service) Search(q search.Query) search.Response {
	q.PublicOnly = true
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}
