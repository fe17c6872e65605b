package outreach

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"reachflow/models"
)

const (
	leasePrefix = "idem:"

	// A completed lease blocks re-sends for a full day; the durable
	// ledger row outlives it for a week so operators can audit replays.
	leaseTTL        = 24 * time.Hour
	failedLeaseTTL  = 1 * time.Hour
	ledgerRetention = 7 * 24 * time.Hour

	leaseProcessing = "processing"
	leaseCompleted  = "completed"
	leaseFailed     = "failed"
)

// LeaseStore is the fast-path claim store in front of the durable
// ledger. The redis implementation is used in production; tests swap
// in an in-memory one.
type LeaseStore interface {
	// Get returns the lease value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Claim atomically sets the key when it is absent or currently
	// holds the reclaimable value.
	Claim(ctx context.Context, key, value, reclaimable string, ttl time.Duration) (bool, error)
	// Set writes the key unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type RedisLeaseStore struct {
	client *redis.Client
}

func NewRedisLeaseStore(client *redis.Client) *RedisLeaseStore {
	return &RedisLeaseStore{client: client}
}

func (s *RedisLeaseStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// claimScript makes the absent-or-reclaimable check and the write a
// single server-side step so two workers cannot both claim a key.
var claimScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false or v == ARGV[2] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
	return 1
end
return 0`)

func (s *RedisLeaseStore) Claim(ctx context.Context, key, value, reclaimable string, ttl time.Duration) (bool, error) {
	res, err := claimScript.Run(ctx, s.client, []string{key}, value, reclaimable, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisLeaseStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// IdempotencyGuard provides at-most-once execution for a unit of work
// identified by a deterministic key. It layers a lease store over a
// durable ledger: the lease is the cheap fast path, the ledger survives
// lease-store restarts and backfills the lease on a miss.
type IdempotencyGuard struct {
	leases LeaseStore
	db     *gorm.DB
}

func NewIdempotencyGuard(leases LeaseStore, db *gorm.DB) *IdempotencyGuard {
	return &IdempotencyGuard{leases: leases, db: db}
}

// Key derives the unit-of-work identity for one enrollment step on one
// UTC day. The recipient address is hashed so keys carry no PII, and
// the day component means a stuck "processing" lease can never block
// the same step past the day boundary.
func (g *IdempotencyGuard) Key(enrollmentID uint, stepNumber int, email string, day time.Time) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return fmt.Sprintf("%d:%d:%s:%s",
		enrollmentID,
		stepNumber,
		hex.EncodeToString(sum[:])[:12],
		day.UTC().Format("20060102"),
	)
}

// Acquire attempts to claim the key for processing. It returns true
// only for the single caller that wins the claim. A failed lease does
// not block: the failure marker is reclaimable so the step can be
// retried on the next pass. Any store error fails closed: a false
// return with the error, never a send.
func (g *IdempotencyGuard) Acquire(ctx context.Context, key string) (bool, error) {
	rkey := leasePrefix + key

	val, held, err := g.leases.Get(ctx, rkey)
	if err != nil {
		return false, fmt.Errorf("lease store get: %w", err)
	}
	if held && val != leaseFailed {
		return false, nil
	}

	if !held {
		// Lease miss: consult the durable ledger before claiming, and
		// backfill the lease when a live completed row exists. Failed
		// rows are audit markers and never block a retry.
		var rec models.IdempotencyRecord
		err = g.db.WithContext(ctx).
			Where("key = ? AND status = ? AND expires_at > ?", key, leaseCompleted, time.Now().UTC()).
			First(&rec).Error
		switch {
		case err == nil:
			if err := g.leases.Set(ctx, rkey, rec.Status, leaseTTL); err != nil {
				return false, fmt.Errorf("lease store backfill: %w", err)
			}
			return false, nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return false, fmt.Errorf("idempotency ledger: %w", err)
		}
	}

	won, err := g.leases.Claim(ctx, rkey, leaseProcessing, leaseFailed, leaseTTL)
	if err != nil {
		return false, fmt.Errorf("lease store claim: %w", err)
	}
	return won, nil
}

// Complete marks the unit of work done. The lease keeps blocking for a
// day and the ledger row for a week.
func (g *IdempotencyGuard) Complete(ctx context.Context, key string) error {
	if err := g.leases.Set(ctx, leasePrefix+key, leaseCompleted, leaseTTL); err != nil {
		return fmt.Errorf("lease store: %w", err)
	}
	return g.upsertLedger(ctx, key, leaseCompleted, ledgerRetention)
}

// Fail releases the claim so the step may be retried. The hour-lived
// marker in both layers records the failure for diagnosis without
// blocking a later Acquire.
func (g *IdempotencyGuard) Fail(ctx context.Context, key string) error {
	if err := g.leases.Set(ctx, leasePrefix+key, leaseFailed, failedLeaseTTL); err != nil {
		return fmt.Errorf("lease store: %w", err)
	}
	return g.upsertLedger(ctx, key, leaseFailed, failedLeaseTTL)
}

// CleanupExpired removes ledger rows past their expiry. Run
// periodically; the unique index on key depends on dead rows going away.
func (g *IdempotencyGuard) CleanupExpired(ctx context.Context) (int64, error) {
	res := g.db.WithContext(ctx).
		Unscoped().
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

func (g *IdempotencyGuard) upsertLedger(ctx context.Context, key, status string, retention time.Duration) error {
	rec := models.IdempotencyRecord{
		Key:       key,
		Status:    status,
		ExpiresAt: time.Now().UTC().Add(retention),
	}
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"status":     status,
				"expires_at": rec.ExpiresAt,
			}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("idempotency ledger: %w", err)
	}
	return nil
}
