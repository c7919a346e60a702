package types

import "time"

// ReservationState tracks a reservation through its lifecycle. There is
// no stored "finalized" state: finalization deletes the record.
type ReservationState string

const (
	// ReservationLive means the coins are held and awaiting an execute call.
	ReservationLive ReservationState = "live"
	// ReservationExecuting means an execute call has claimed the coins.
	ReservationExecuting ReservationState = "executing"
)

// Reservation is a time-bounded hold on a set of pool coins for one
// future submission.
type Reservation struct {
	ID           uint64           `json:"reservation_id"`
	Coins        []CoinRef        `json:"coins"`
	TotalBalance uint64           `json:"total_balance"`
	ExpiresAt    time.Time        `json:"expires_at"`
	State        ReservationState `json:"state"`
}

// Expired reports whether the reservation deadline has passed at now.
func (r *Reservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
