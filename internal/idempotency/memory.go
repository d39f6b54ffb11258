package idempotency

import (
	"sync"
	"time"
)

// MemoryBackend is the default in-process backend.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*Record)}
}

// Get returns a copy of the record, or (nil, nil) when absent.
func (b *MemoryBackend) Get(scopedKey string) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[scopedKey]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Response = append([]byte(nil), rec.Response...)
	return &cp, nil
}

// Reserve claims the key under one lock. An existing live record is
// returned untouched; absent and expired rows are replaced by rec.
func (b *MemoryBackend) Reserve(rec *Record) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.records[rec.ScopedKey]; ok && !existing.Expired(rec.CreatedAt) {
		cp := *existing
		cp.Response = append([]byte(nil), existing.Response...)
		return &cp, nil
	}
	cp := *rec
	cp.Response = append([]byte(nil), rec.Response...)
	b.records[rec.ScopedKey] = &cp
	return nil, nil
}

// Put inserts the record unless a live one with the same hash already holds
// a response. The store layer enforces conflict semantics; Put only guards
// against racing writers.
func (b *MemoryBackend) Put(rec *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.records[rec.ScopedKey]; ok {
		if !existing.Expired(rec.CreatedAt) && existing.RequestHash == rec.RequestHash && len(existing.Response) > 0 {
			return nil
		}
	}
	cp := *rec
	cp.Response = append([]byte(nil), rec.Response...)
	b.records[rec.ScopedKey] = &cp
	return nil
}

// Delete removes a record.
func (b *MemoryBackend) Delete(scopedKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, scopedKey)
	return nil
}

// DeleteExpired removes everything past its TTL.
func (b *MemoryBackend) DeleteExpired(now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for key, rec := range b.records {
		if rec.Expired(now) {
			delete(b.records, key)
			n++
		}
	}
	return n, nil
}

// Len reports the live record count (status endpoint).
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}
