// Package pool hands out time-bounded gas reservations from the
// sponsor's coin pool and reclaims them when they lapse.
package pool

import (
	"context"
	"time"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/metrics"
	"github.com/R3E-Network/gaspool/internal/storage"
	"github.com/R3E-Network/gaspool/internal/system"
	"github.com/R3E-Network/gaspool/internal/types"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

const (
	// MaxGasBudget is the largest budget a single reservation may ask
	// for, in nanos.
	MaxGasBudget uint64 = 2_000_000_000
	// MaxReserveDuration bounds how long coins can be held before the
	// sweeper takes them back.
	MaxReserveDuration = 10 * time.Minute

	sweepInterval = time.Second
	statsInterval = 10 * time.Second
)

// Engine validates reservation requests and charges them against the
// store.
type Engine struct {
	store    storage.Store
	sponsor  types.Address
	maxCoins int
	log      *logger.Logger
}

func NewEngine(store storage.Store, sponsor types.Address, maxCoins int, log *logger.Logger) *Engine {
	return &Engine{store: store, sponsor: sponsor, maxCoins: maxCoins, log: log}
}

// Sponsor is the address whose coins this engine reserves.
func (e *Engine) Sponsor() types.Address {
	return e.sponsor
}

// Reserve holds enough coins to cover budget for the given duration.
func (e *Engine) Reserve(ctx context.Context, budget uint64, duration time.Duration) (*types.Reservation, error) {
	if budget == 0 {
		metrics.ReservationsTotal.WithLabelValues("invalid").Inc()
		return nil, errs.Newf(errs.KindInvalid, "gas budget must be positive")
	}
	if budget > MaxGasBudget {
		metrics.ReservationsTotal.WithLabelValues("invalid").Inc()
		return nil, errs.Newf(errs.KindInvalid, "gas budget %d exceeds the maximum %d", budget, MaxGasBudget)
	}
	if duration <= 0 {
		metrics.ReservationsTotal.WithLabelValues("invalid").Inc()
		return nil, errs.Newf(errs.KindInvalid, "reserve duration must be positive")
	}
	if duration > MaxReserveDuration {
		metrics.ReservationsTotal.WithLabelValues("invalid").Inc()
		return nil, errs.Newf(errs.KindInvalid,
			"reserve duration %s exceeds the maximum %s", duration, MaxReserveDuration)
	}

	res, err := e.store.ReserveCoins(ctx, e.sponsor, budget, e.maxCoins, duration)
	if err != nil {
		if errs.IsKind(err, errs.KindInsufficient) {
			metrics.ReservationsTotal.WithLabelValues("insufficient").Inc()
		} else {
			metrics.ReservationsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	metrics.ReservationsTotal.WithLabelValues("ok").Inc()
	metrics.ReservedBalanceTotal.Add(float64(res.TotalBalance))
	e.log.WithFields(map[string]interface{}{
		"reservation_id": res.ID,
		"coins":          len(res.Coins),
		"balance":        res.TotalBalance,
		"budget":         budget,
	}).Debug("reserved gas coins")
	return res, nil
}

// NewSweeper returns the background service that reclaims lapsed
// reservations every second.
func NewSweeper(store storage.Store, sponsor types.Address, log *logger.Logger) *system.Poller {
	return system.NewPoller("expiry-sweeper", sweepInterval, log, func(ctx context.Context) {
		reservations, coins, err := store.ExpireReservations(ctx, sponsor, time.Now())
		if err != nil {
			log.WithError(err).Warn("expiry sweep failed")
			return
		}
		if reservations == 0 {
			return
		}
		metrics.ExpiredReservationsTotal.Add(float64(reservations))
		metrics.ReleasedCoinsTotal.WithLabelValues("expired").Add(float64(coins))
		log.WithFields(map[string]interface{}{
			"reservations": reservations,
			"coins":        coins,
		}).Info("reclaimed expired reservations")
	})
}

// NewStatsService publishes pool gauges on a fixed interval.
func NewStatsService(store storage.Store, sponsor types.Address, log *logger.Logger) *system.Poller {
	return system.NewPoller("pool-stats", statsInterval, log, func(ctx context.Context) {
		stats, err := store.PoolStats(ctx, sponsor)
		if err != nil {
			log.WithError(err).Warn("pool stats read failed")
			return
		}
		metrics.PoolAvailableCoins.Set(float64(stats.AvailableCoins))
		metrics.PoolAvailableBalance.Set(float64(stats.AvailableBalance))
		metrics.ActiveReservations.Set(float64(stats.LiveReservations + stats.Executing))
	})
}
