package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/rustyeddy/vledger/store"
)

// Reconciler runs ReconcileAll on a fixed interval, retries pending feed
// unsubscribes and checkpoints every account's equity into the journal.
type Reconciler struct {
	svc      *Service
	store    *store.Store
	interval time.Duration
	log      *slog.Logger
}

func NewReconciler(svc *Service, interval time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{svc: svc, store: svc.store, interval: interval, log: logger}
}

// Run blocks until ctx is cancelled. A non-positive interval disables it.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) {
	n, err := r.svc.ReconcileAll(ctx)
	if err != nil {
		r.log.Error("reconcile pass", "error", err)
	}
	r.svc.flushIdle(ctx)
	for _, id := range r.store.Accounts() {
		if _, err := r.store.Checkpoint(id); err != nil {
			r.log.Error("equity checkpoint", "account_id", id, "error", err)
		}
	}
	r.log.Debug("reconcile pass done", "positions", n)
}
