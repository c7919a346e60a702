// Package rpc is the station's HTTP surface: gas reservation, sponsored
// execution, health and operational endpoints.
package rpc

import (
	"encoding/json"

	"github.com/R3E-Network/gaspool/internal/types"
)

// ReserveGasRequest asks for coins covering gas_budget, held for
// reserve_duration_secs.
type ReserveGasRequest struct {
	GasBudget           uint64 `json:"gas_budget"`
	ReserveDurationSecs uint64 `json:"reserve_duration_secs"`
}

// GasCoin is a reserved coin reference as returned to clients. The
// field names follow the ledger's object reference serialization.
type GasCoin struct {
	ObjectID types.ObjectID `json:"objectId"`
	Version  uint64         `json:"version"`
	Digest   string         `json:"digest"`
}

// ReserveGasResult is the payload of a successful reservation.
type ReserveGasResult struct {
	SponsorAddress types.Address `json:"sponsor_address"`
	ReservationID  uint64        `json:"reservation_id"`
	GasCoins       []GasCoin     `json:"gas_coins"`
}

// ReserveGasResponse carries either a result or an error message.
type ReserveGasResponse struct {
	Result *ReserveGasResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// ExecuteTxRequest submits user transaction bytes against a
// reservation. tx_bytes and user_sig are base64.
type ExecuteTxRequest struct {
	ReservationID uint64 `json:"reservation_id"`
	TxBytes       string `json:"tx_bytes"`
	UserSig       string `json:"user_sig"`
}

// ExecuteTxResponse returns the node's effects verbatim, or an error
// message. Effects are present for failed on-chain status too.
type ExecuteTxResponse struct {
	Effects json.RawMessage `json:"effects,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StationResponse is the generic envelope of the operational endpoints.
type StationResponse struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func reservationCoins(coins []types.CoinRef) []GasCoin {
	out := make([]GasCoin, len(coins))
	for i, c := range coins {
		out[i] = GasCoin{ObjectID: c.ObjectID, Version: c.Version, Digest: c.Digest}
	}
	return out
}
