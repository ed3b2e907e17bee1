package batch

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/pkg/billing"
)

// ErrInsufficientCredits is returned by Enqueue when the account cannot
// cover the run's estimate.
var ErrInsufficientCredits = billing.ErrInsufficientCredits

// LedgerKey is the idempotency key for ledger calls about run. Runs created
// before keys were required fall back to the run id.
func LedgerKey(run *model.BatchRun) string {
	if run.IdempotencyKey != "" {
		return run.IdempotencyKey
	}
	return run.ID
}

// Settlement is what Settle did on the ledger.
type Settlement struct {
	Debited   int
	Refunded  int
	DebitErr  error
	RefundErr error
}

// Settle charges what a finished run used and releases the rest of its
// reservation, both under the run's ledger key. Failures are logged and
// returned; the ledger dedups on retry by key.
func Settle(ctx context.Context, ledger billing.Ledger, run *model.BatchRun, refund int, reason string) Settlement {
	var out Settlement
	if ledger == nil {
		return out
	}
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("account_id", run.AccountID))
	key := LedgerKey(run)

	if err := ledger.Debit(ctx, run.AccountID, run.CreditsUsed, key); err != nil {
		log.Error("batch: debit used credits", zap.Int("amount", run.CreditsUsed), zap.Error(err))
		out.DebitErr = err
	} else {
		out.Debited = run.CreditsUsed
	}
	if refund <= 0 {
		return out
	}
	err := ledger.Refund(ctx, run.AccountID, refund, key, map[string]string{
		"runId":   run.ID,
		"jobType": string(run.JobType),
		"reason":  reason,
		"used":    strconv.Itoa(run.CreditsUsed),
	})
	if err != nil {
		log.Error("batch: refund unused credits", zap.Int("amount", refund), zap.Error(err))
		out.RefundErr = err
		return out
	}
	out.Refunded = refund
	log.Info("batch: refunded unused credits", zap.Int("amount", refund))
	return out
}

// Settled reports whether run was already settled on the ledger: it
// completed, or failed through the evaluator or a force-fail. Runs the
// reaper timed out, and runs failed with UnloadedMessage, keep their
// reservation until an operator settles them.
func Settled(run *model.BatchRun) bool {
	switch run.Status {
	case model.RunStatusCompleted:
		return true
	case model.RunStatusFailed:
		if run.ErrorMessage == nil {
			return true
		}
		msg := *run.ErrorMessage
		return !IsTimeoutMessage(msg) && msg != UnloadedMessage
	}
	return false
}
