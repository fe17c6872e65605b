package worker

import (
	"context"
	"log"
	"time"

	"reachflow/outreach"
)

// SequenceWorker drives the engine on a fixed interval and cleans up
// expired idempotency rows. Several instances may run on different
// hosts; the lease store and the send ledger keep them from
// double-sending.
type SequenceWorker struct {
	Engine       *outreach.Engine
	Guard        *outreach.IdempotencyGuard
	Hub          *ProgressHub
	Logger       *log.Logger
	PollInterval time.Duration
	PassTimeout  time.Duration
}

func NewSequenceWorker(engine *outreach.Engine, guard *outreach.IdempotencyGuard, hub *ProgressHub, logger *log.Logger, pollInterval time.Duration) *SequenceWorker {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Minute
	}
	return &SequenceWorker{
		Engine:       engine,
		Guard:        guard,
		Hub:          hub,
		Logger:       logger,
		PollInterval: pollInterval,
		PassTimeout:  pollInterval,
	}
}

func (sw *SequenceWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	select {
	case <-time.After(10 * time.Second):
	case <-ctx.Done():
		return
	}

	sw.Logger.Println("Sequence worker started")

	ticker := time.NewTicker(sw.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(1 * time.Hour)
	defer cleanup.Stop()

	sw.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			sw.Logger.Println("Sequence worker shutting down...")
			return
		case <-ticker.C:
			sw.runPass(ctx)
		case <-cleanup.C:
			sw.cleanupLedger(ctx)
		}
	}
}

// runPass executes one engine pass under a deadline so a hung provider
// cannot stall the ticker loop past the next interval.
func (sw *SequenceWorker) runPass(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, sw.PassTimeout)
	defer cancel()

	result, err := sw.Engine.ProcessDue(passCtx)
	if err != nil {
		sw.Logger.Printf("Pass failed: %v", err)
		return
	}
	if sw.Hub != nil {
		sw.Hub.Publish(result)
	}
}

func (sw *SequenceWorker) cleanupLedger(ctx context.Context) {
	removed, err := sw.Guard.CleanupExpired(ctx)
	if err != nil {
		sw.Logger.Printf("Idempotency cleanup failed: %v", err)
		return
	}
	if removed > 0 {
		sw.Logger.Printf("Removed %d expired idempotency records", removed)
	}
}
