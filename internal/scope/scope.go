// Package scope decides which feedback threads a caller may see, based on the
// caller's administrative scope and the target AIP's publication status.
package scope

// Administrative scope kinds.
const (
	KindBarangay     = "barangay"
	KindCity         = "city"
	KindMunicipality = "municipality"
)

// Ref is a thread's resolved scope: its own kind and id plus the city it
// rolls up to.
type Ref struct {
	Kind           string
	ScopeID        *string
	CityID         *string
	MunicipalityID *string
}

// Registry holds the recognized scope ids. Filtering by a recognized id is
// exact; an id the registry has never seen is treated as "no filter" so that
// callers probing with foreign ids see the permissive superset rather than a
// silently empty one.
type Registry struct {
	known map[string]bool
}

func NewRegistry(ids []string) *Registry {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			known[id] = true
		}
	}
	return &Registry{known: known}
}

func (r *Registry) Recognizes(id string) bool {
	return r.known[id]
}

// CanAccessKind reports whether a caller requesting one scope kind may see a
// thread of another. City is a superset view over its barangays; barangay and
// municipality callers see exact matches only.
func CanAccessKind(requested, threadKind string) bool {
	switch requested {
	case KindCity:
		return threadKind == KindCity || threadKind == KindBarangay
	case KindBarangay:
		return threadKind == KindBarangay
	case KindMunicipality:
		return threadKind == KindMunicipality
	default:
		return false
	}
}

// MatchesScopeID applies the concrete scope id filter. An empty id means no
// filter. A recognized id must match the ref exactly for the requested kind;
// an unrecognized id is permissive. A nil ref fails any concrete filter.
func (r *Registry) MatchesScopeID(scopeID, requestedKind string, ref *Ref) bool {
	if scopeID == "" {
		return true
	}
	if ref == nil {
		return false
	}
	if !r.Recognizes(scopeID) {
		return true
	}
	switch requestedKind {
	case KindCity:
		return ref.CityID != nil && *ref.CityID == scopeID
	case KindBarangay:
		return ref.Kind == KindBarangay && ref.ScopeID != nil && *ref.ScopeID == scopeID
	default:
		return ref.MunicipalityID != nil && *ref.MunicipalityID == scopeID
	}
}

// PublicStatuses is the allow list of AIP statuses readable without
// authentication. Draft and in-review content is never publicly visible.
type PublicStatuses map[string]bool

func DefaultPublicStatuses() PublicStatuses {
	return PublicStatuses{"published": true}
}

func (p PublicStatuses) Readable(status string) bool {
	return p[status]
}
