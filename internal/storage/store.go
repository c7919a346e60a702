// Package storage holds the gas pool state: available coins,
// reservations with their expiry index, the init lock, and the gas
// usage counters. All multi-key mutations are atomic.
package storage

import (
	"context"
	"time"

	"github.com/R3E-Network/gaspool/internal/types"
)

// PoolStats is a point-in-time snapshot of one sponsor's pool.
type PoolStats struct {
	AvailableCoins   int64
	AvailableBalance uint64
	LiveReservations int64
	Executing        int64
}

// Store is the station's keyed state backend.
type Store interface {
	// ReserveCoins pops coins until their balances cover budget and
	// records a reservation that expires after duration. On shortfall
	// or when more than maxCoins would be needed, the pool is left
	// unchanged and the error kind is Insufficient.
	ReserveCoins(ctx context.Context, sponsor types.Address, budget uint64, maxCoins int, duration time.Duration) (*types.Reservation, error)

	// GetReservation reads a reservation without changing its state.
	GetReservation(ctx context.Context, sponsor types.Address, id uint64) (*types.Reservation, error)

	// ReadyForExecution flips a live reservation to executing, taking
	// it off the expiry index. Retries return the same coins until the
	// reservation is finalized.
	ReadyForExecution(ctx context.Context, sponsor types.Address, id uint64) (*types.Reservation, error)

	// ReleaseReservation retires a reservation and returns coins to the
	// pool tail. Callers pass the post-execution coin records, or the
	// original ones when nothing was spent; an empty slice drops the
	// coins entirely.
	ReleaseReservation(ctx context.Context, sponsor types.Address, id uint64, coins []types.CoinRef) error

	// ExpireReservations reclaims every reservation due at now and
	// reports how many reservations and coins were returned.
	ExpireReservations(ctx context.Context, sponsor types.Address, now time.Time) (reservations int64, coins int64, err error)

	// AddCoins appends records to the pool tail.
	AddCoins(ctx context.Context, sponsor types.Address, coins []types.CoinRef) error

	// TrackedCoinIDs returns the object ids of every coin the store
	// currently knows about, pooled, reserved or executing.
	TrackedCoinIDs(ctx context.Context, sponsor types.Address) (map[types.ObjectID]bool, error)

	// PoolStats reports pool size and reservation counts.
	PoolStats(ctx context.Context, sponsor types.Address) (*PoolStats, error)

	// AcquireInitLock takes the initializer lease for ttl. It reports
	// false when another holder has it.
	AcquireInitLock(ctx context.Context, sponsor types.Address, holder string, ttl time.Duration) (bool, error)

	// ReleaseInitLock drops the lease if holder still owns it.
	ReleaseInitLock(ctx context.Context, sponsor types.Address, holder string) error

	// IncrementUsage adds delta to a windowed usage counter, creating
	// it with the window TTL, and returns the clamped new sum.
	IncrementUsage(ctx context.Context, key string, delta uint64, window time.Duration) (uint64, error)

	// ReadUsage returns the current counter sum, zero when absent.
	ReadUsage(ctx context.Context, key string) (uint64, error)

	// CheckHealth verifies the backend answers.
	CheckHealth(ctx context.Context) error

	Close() error
}
