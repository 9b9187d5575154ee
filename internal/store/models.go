package store

import "time"

// Feedback target kinds.
const (
	TargetAip     = "aip"
	TargetProject = "project"
)

// Feedback sources.
const (
	SourceHuman = "human"
	SourceAI    = "ai"
)

// Feedback kinds. Citizen-authored rows use the first four; officials write
// lgu_note rows and the extraction pipeline writes ai_* rows.
const (
	KindCommend    = "commend"
	KindSuggestion = "suggestion"
	KindConcern    = "concern"
	KindQuestion   = "question"
	KindLguNote    = "lgu_note"
	KindAIFinding  = "ai_finding"
)

// AIP publication statuses.
const (
	StatusDraft         = "draft"
	StatusPendingReview = "pending_review"
	StatusUnderReview   = "under_review"
	StatusForRevision   = "for_revision"
	StatusPublished     = "published"
)

// Review event actions.
const (
	ReviewActionRequestRevision = "request_revision"
	ReviewActionApprove         = "approve"
)

// Line item review statuses.
const (
	LineReviewPending   = "pending"
	LineReviewAIFlagged = "ai_flagged"
	LineReviewResolved  = "resolved"
)

// FeedbackRow is one append-only feedback record. A nil ParentFeedbackID
// marks a thread root; everything else is treated as a direct reply to the
// root it resolves to.
type FeedbackRow struct {
	ID               string    `json:"id"`
	TargetType       string    `json:"targetType"`
	AipID            *string   `json:"aipId"`
	ProjectID        *string   `json:"projectId"`
	FieldKey         *string   `json:"fieldKey,omitempty"`
	ParentFeedbackID *string   `json:"parentFeedbackId"`
	Kind             string    `json:"kind"`
	Source           string    `json:"source"`
	Body             string    `json:"body"`
	AuthorID         *string   `json:"authorId"`
	IsPublic         bool      `json:"isPublic"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// FeedbackFilter matches rows by simple equality. Nil fields are ignored so
// both backends can implement it without bespoke query support.
type FeedbackFilter struct {
	TargetType string
	AipID      *string
	ProjectID  *string
	FieldKey   *string
	Kind       *string
	Source     *string
	ParentID   *string
	RootsOnly  bool
}

// AipRecord is one Annual Investment Plan. ScopeKind is derived from the
// most specific scope column present; a barangay AIP may also carry the
// city it rolls up to.
type AipRecord struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	FiscalYear     int       `json:"fiscalYear"`
	BarangayID     *string   `json:"barangayId"`
	CityID         *string   `json:"cityId"`
	MunicipalityID *string   `json:"municipalityId"`
	Status         string    `json:"status"`
	CreatedBy      *string   `json:"createdBy"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ScopeKind reports the administrative level the AIP belongs to.
func (a AipRecord) ScopeKind() string {
	if a.BarangayID != nil && *a.BarangayID != "" {
		return "barangay"
	}
	if a.CityID != nil && *a.CityID != "" {
		return "city"
	}
	return "municipality"
}

// ScopeID reports the concrete scope id for the AIP's scope kind.
func (a AipRecord) ScopeID() string {
	switch a.ScopeKind() {
	case "barangay":
		return *a.BarangayID
	case "city":
		return *a.CityID
	default:
		if a.MunicipalityID != nil {
			return *a.MunicipalityID
		}
		return ""
	}
}

// AipLineItem is one extracted project row under an AIP.
type AipLineItem struct {
	ID             string    `json:"id"`
	AipID          string    `json:"aipId"`
	ProjectRefCode string    `json:"projectRefCode"`
	Description    string    `json:"description"`
	ReviewStatus   string    `json:"reviewStatus"`
	CreatedAt      time.Time `json:"createdAt"`
}

// UploadedFile is one source document blob reference. The latest row with
// IsCurrent set identifies the AIP's workflow owner.
type UploadedFile struct {
	ID         string    `json:"id"`
	AipID      string    `json:"aipId"`
	BucketID   string    `json:"bucketId"`
	ObjectName string    `json:"objectName"`
	UploadedBy *string   `json:"uploadedBy"`
	IsCurrent  bool      `json:"isCurrent"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ExtractionArtifact is a derived blob produced by the extraction pipeline.
type ExtractionArtifact struct {
	ID          string    `json:"id"`
	AipID       string    `json:"aipId"`
	StoragePath *string   `json:"storagePath"`
	Kind        string    `json:"kind"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ReviewEvent is one reviewer action on an AIP submission. request_revision
// rows carry the reviewer remark in Note and drive the revision cycles.
type ReviewEvent struct {
	ID           string    `json:"id"`
	AipID        string    `json:"aipId"`
	ReviewerID   *string   `json:"reviewerId"`
	ReviewerName *string   `json:"reviewerName"`
	Action       string    `json:"action"`
	Note         *string   `json:"note"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ScopeEntry is one recognized administrative unit in the scope registry.
type ScopeEntry struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// User is an account that can act on the portal. Officials carry a scope;
// citizens do not.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"displayName"`
	Role         string    `json:"role"`
	ScopeKind    *string   `json:"scopeKind"`
	ScopeID      *string   `json:"scopeId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ActivityLog is one audit row written alongside workflow transitions.
type ActivityLog struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	EntityTable string         `json:"entityTable"`
	EntityID    string         `json:"entityId"`
	BarangayID  *string        `json:"barangayId"`
	CityID      *string        `json:"cityId"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"createdAt"`
}
