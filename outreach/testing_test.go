package outreach

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"reachflow/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&models.Prospect{},
		&models.SequenceTemplate{},
		&models.EmailTemplate{},
		&models.Enrollment{},
		&models.SendRecord{},
		&models.IdempotencyRecord{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// memLeaseStore is an in-memory LeaseStore with the same atomicity as
// the redis one.
type memLeaseStore struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

func newMemLeaseStore() *memLeaseStore {
	return &memLeaseStore{data: make(map[string]string)}
}

func (s *memLeaseStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memLeaseStore) Claim(_ context.Context, key, value, reclaimable string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if v, ok := s.data[key]; ok && v != reclaimable {
		return false, nil
	}
	s.data[key] = value
	return true, nil
}

func (s *memLeaseStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.data[key] = value
	return nil
}

// memCounter is an in-memory Counter with atomic increments.
type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newMemCounter() *memCounter {
	return &memCounter{counts: make(map[string]int64)}
}

func (c *memCounter) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.counts[key]++
	return c.counts[key], nil
}

func (c *memCounter) Decr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.counts[key]--
	return c.counts[key], nil
}

func (c *memCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return c.counts[key], nil
}

func (c *memCounter) Expire(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

// fakeDelivery records sent messages and can be told to fail.
type fakeDelivery struct {
	mu       sync.Mutex
	sent     []OutboundEmail
	failWith error
	nextID   int
}

func (d *fakeDelivery) Send(_ context.Context, email OutboundEmail) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return "", d.failWith
	}
	d.sent = append(d.sent, email)
	d.nextID++
	return fmt.Sprintf("msg-%d", d.nextID), nil
}

func (d *fakeDelivery) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

var errProviderDown = errors.New("provider unavailable")
