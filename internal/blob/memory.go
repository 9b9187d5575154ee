package blob

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is the volatile blob backend used by tests and local runs. It
// can be armed to fail on specific buckets to exercise the deletion
// orchestrator's abort paths.
type MemoryStore struct {
	mu          sync.Mutex
	objects     map[string]bool
	failBuckets map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:     make(map[string]bool),
		failBuckets: make(map[string]bool),
	}
}

func key(bucket, objectPath string) string {
	return bucket + "/" + objectPath
}

// Put records an object as existing.
func (s *MemoryStore) Put(bucket, objectPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key(bucket, objectPath)] = true
}

// Exists reports whether an object is present.
func (s *MemoryStore) Exists(bucket, objectPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[key(bucket, objectPath)]
}

// Count reports how many objects remain.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// FailBucket makes every removal in the bucket return an error.
func (s *MemoryStore) FailBucket(bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBuckets[bucket] = true
}

func (s *MemoryStore) Remove(ctx context.Context, refs []Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		if s.failBuckets[ref.Bucket] {
			return fmt.Errorf("remove %s/%s: bucket unavailable", ref.Bucket, ref.ObjectPath)
		}
		delete(s.objects, key(ref.Bucket, ref.ObjectPath))
	}
	return nil
}
