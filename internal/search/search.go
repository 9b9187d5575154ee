package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultAip      ResultType = "aip"
	ResultFeedback ResultType = "feedback"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	AipID     string     `json:"aipId"`
	ScopeKind string     `json:"scopeKind"`
	Year      int        `json:"year,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterScopeKind string
	Limit           int
	Offset          int
	PublicOnly      bool
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// AipDoc is the data indexed for one published AIP.
type AipDoc struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	ScopeKind string `json:"scopeKind"`
	ScopeID   string `json:"scopeId"`
	Year      int    `json:"year"`
	Status    string `json:"status"`
}

// FeedbackDoc is the data indexed for one public feedback root.
type FeedbackDoc struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	Kind      string `json:"kind"`
	AipID     string `json:"aipId"`
	ScopeKind string `json:"scopeKind"`
	IsPublic  bool   `json:"isPublic"`
}
