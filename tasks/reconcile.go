package tasks

import (
	"context"
	"time"

	"github.com/credential-registry/registry-api/services"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	reconcileRetryInterval = 30 * time.Second
)

// Reconciler compares recorded credentials with the ledger. *services.Service satisfies it.
type Reconciler interface {
	ReconcileRange(ctx context.Context, from, to time.Time, checkContent bool) ([]*services.ReconcileReport, error)
}

// ReconcileTask periodically reconciles the credentials issued within a sliding window
// against the ledger. Mismatches are logged and audited by the service; nothing is repaired.
type ReconcileTask struct {
	svc          Reconciler
	interval     time.Duration
	window       time.Duration
	checkContent bool
	clock        clockwork.Clock
	done         chan bool
	logger       *zap.Logger
}

func NewReconcileTask(
	svc Reconciler,
	interval, window time.Duration,
	checkContent bool,
	clock clockwork.Clock,
	logger *zap.Logger,
) *ReconcileTask {
	return &ReconcileTask{
		svc,
		interval,
		window,
		checkContent,
		clock,
		make(chan bool),
		logger,
	}
}

// reconcile runs one sweep and returns the number of inconsistent records.
func (t *ReconcileTask) reconcile(ctx context.Context) (int, error) {
	to := t.clock.Now()
	from := to.Add(-t.window)
	t.logger.Info("Reconciling credentials with the ledger...",
		zap.Time("from", from), zap.Time("to", to))

	reports, err := t.svc.ReconcileRange(ctx, from, to, t.checkContent)
	mismatched := 0
	for _, r := range reports {
		if !r.Consistent {
			mismatched++
		}
	}
	if err != nil {
		t.logger.Warn("Reconciliation aborted",
			zap.Int("checked", len(reports)),
			zap.Int("mismatched", mismatched),
			zap.Error(err))
		return mismatched, err
	}

	if mismatched > 0 {
		t.logger.Error("Reconciliation found inconsistent credentials",
			zap.Int("checked", len(reports)),
			zap.Int("mismatched", mismatched))
	} else {
		t.logger.Info("Reconciliation complete", zap.Int("checked", len(reports)))
	}
	return mismatched, nil
}

func (t *ReconcileTask) Run() {
	ticker := time.NewTicker(time.Duration(1) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			t.logger.Info("Reconcile task stopped")
			return
		case <-ticker.C:
			if _, err := t.reconcile(context.Background()); err != nil {
				// The ledger is likely unreachable; try again soon.
				ticker.Reset(reconcileRetryInterval)
			} else {
				ticker.Reset(t.interval)
			}
		}
	}
}

func (t *ReconcileTask) Stop() error {
	t.done <- true
	return nil
}
