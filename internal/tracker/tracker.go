// Package tracker keeps the gas usage counters: per-access-rule
// windowed sums and the sponsor-wide daily cap.
package tracker

import (
	"context"
	"time"

	"github.com/R3E-Network/gaspool/internal/access"
	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/storage"
	"github.com/R3E-Network/gaspool/internal/types"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

// dailyWindow is the lifetime of the sponsor-wide usage counter. It
// starts with the first sponsored transaction and rolls over when the
// counter lapses.
const dailyWindow = 24 * time.Hour

// Tracker implements usage reads for the access controller and the
// observed-gas bookkeeping the executor runs at finalization.
type Tracker struct {
	store storage.Store
	log   *logger.Logger
}

func New(store storage.Store, log *logger.Logger) *Tracker {
	return &Tracker{store: store, log: log}
}

var _ access.UsagePeeker = (*Tracker)(nil)

// PeekUsage reads one rule counter bucket without touching it.
func (t *Tracker) PeekUsage(ctx context.Context, ruleID, bucket string) (uint64, error) {
	return t.store.ReadUsage(ctx, storage.UsageKey(ruleID, bucket))
}

// AddUsage adds observed gas to every counter the access check touched.
// Later counters are still attempted when an earlier one fails; the
// first failure is returned for logging.
func (t *Tracker) AddUsage(ctx context.Context, touches []access.UsageTouch, observed uint64) error {
	var firstErr error
	for _, touch := range touches {
		key := storage.UsageKey(touch.RuleID, touch.Bucket)
		if _, err := t.store.IncrementUsage(ctx, key, observed, touch.Window); err != nil {
			t.log.WithError(err).Warnf("usage counter %s not updated", key)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DailyUsage reads the sponsor's current daily counter.
func (t *Tracker) DailyUsage(ctx context.Context, sponsor types.Address) (uint64, error) {
	return t.store.ReadUsage(ctx, storage.DailyUsageKey(sponsor))
}

// CheckDailyCap rejects a transaction whose predicted gas would push
// the sponsor past cap. A zero cap disables the check. Usage exactly at
// the cap is still admitted; only crossing it is refused.
func (t *Tracker) CheckDailyCap(ctx context.Context, sponsor types.Address, cap, predicted uint64) error {
	if cap == 0 {
		return nil
	}
	current, err := t.DailyUsage(ctx, sponsor)
	if err != nil {
		return err
	}
	if current+predicted > cap {
		return errs.Newf(errs.KindCapExceeded,
			"daily gas usage cap %d would be exceeded: %d used, %d predicted", cap, current, predicted)
	}
	return nil
}

// AddDailyUsage adds observed gas to the sponsor's daily counter and
// returns the new sum.
func (t *Tracker) AddDailyUsage(ctx context.Context, sponsor types.Address, observed uint64) (uint64, error) {
	return t.store.IncrementUsage(ctx, storage.DailyUsageKey(sponsor), observed, dailyWindow)
}
