// Package blob abstracts the object storage that holds uploaded AIP source
// documents and extraction artifacts.
package blob

import (
	"context"
	"sort"
)

// Ref addresses one stored object.
type Ref struct {
	Bucket     string
	ObjectPath string
}

// Store deletes objects from durable storage. Implementations must fail fast
// on the first error so the deletion orchestrator can abort before touching
// later categories.
type Store interface {
	Remove(ctx context.Context, refs []Ref) error
}

// RefSet collects object paths per bucket, deduplicating identical paths.
type RefSet struct {
	byBucket map[string]map[string]bool
}

func NewRefSet() *RefSet {
	return &RefSet{byBucket: make(map[string]map[string]bool)}
}

// Add records one reference. Blank buckets or paths are ignored.
func (s *RefSet) Add(bucket, objectPath string) {
	if bucket == "" || objectPath == "" {
		return
	}
	paths, ok := s.byBucket[bucket]
	if !ok {
		paths = make(map[string]bool)
		s.byBucket[bucket] = paths
	}
	paths[objectPath] = true
}

// Merge folds another set into this one.
func (s *RefSet) Merge(other *RefSet) {
	for bucket, paths := range other.byBucket {
		for path := range paths {
			s.Add(bucket, path)
		}
	}
}

// Len reports the total number of distinct references.
func (s *RefSet) Len() int {
	n := 0
	for _, paths := range s.byBucket {
		n += len(paths)
	}
	return n
}

// Sorted returns the references ordered by bucket then path, so deletion
// order is deterministic and failures are reproducible.
func (s *RefSet) Sorted() []Ref {
	buckets := make([]string, 0, len(s.byBucket))
	for bucket := range s.byBucket {
		buckets = append(buckets, bucket)
	}
	sort.Strings(buckets)

	var refs []Ref
	for _, bucket := range buckets {
		paths := make([]string, 0, len(s.byBucket[bucket]))
		for path := range s.byBucket[bucket] {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			refs = append(refs, Ref{Bucket: bucket, ObjectPath: path})
		}
	}
	return refs
}
