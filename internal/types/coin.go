package types

import (
	"fmt"
	"strconv"
	"strings"
)

// CoinRef is the latest known reference to a gas coin object together
// with its balance in native minor units. Spending a coin yields a
// successor with a new (version, digest).
type CoinRef struct {
	ObjectID ObjectID `json:"objectId"`
	Version  uint64   `json:"version"`
	Digest   string   `json:"digest"`
	Balance  uint64   `json:"balance"`
}

func (c CoinRef) String() string {
	return fmt.Sprintf("%s@%d(bal=%d)", c.ObjectID.Short(), c.Version, c.Balance)
}

// Record renders the coin as a storage record. Balance is kept as the
// last field so store-side scripts can read it with a single match.
func (c CoinRef) Record() string {
	return fmt.Sprintf("%s|%d|%s|%d", c.ObjectID.String(), c.Version, c.Digest, c.Balance)
}

// ParseCoinRecord parses a storage record produced by Record.
func ParseCoinRecord(s string) (CoinRef, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return CoinRef{}, fmt.Errorf("coin record %q: want 4 fields, got %d", s, len(parts))
	}
	id, err := ParseAddress(parts[0])
	if err != nil {
		return CoinRef{}, fmt.Errorf("coin record object id: %w", err)
	}
	version, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return CoinRef{}, fmt.Errorf("coin record version %q: %w", parts[1], err)
	}
	if parts[2] == "" {
		return CoinRef{}, fmt.Errorf("coin record %q: empty digest", s)
	}
	balance, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return CoinRef{}, fmt.Errorf("coin record balance %q: %w", parts[3], err)
	}
	return CoinRef{ObjectID: id, Version: version, Digest: parts[2], Balance: balance}, nil
}

// JoinCoinRecords renders coins as a single ;-separated string, the form
// embedded in reservation records and expiry-index members.
func JoinCoinRecords(coins []CoinRef) string {
	records := make([]string, len(coins))
	for i, c := range coins {
		records[i] = c.Record()
	}
	return strings.Join(records, ";")
}

// ParseCoinRecords parses a ;-separated record string. An empty string
// yields no coins.
func ParseCoinRecords(s string) ([]CoinRef, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ";")
	coins := make([]CoinRef, 0, len(parts))
	for _, p := range parts {
		c, err := ParseCoinRecord(p)
		if err != nil {
			return nil, err
		}
		coins = append(coins, c)
	}
	return coins, nil
}

// TotalBalance sums coin balances.
func TotalBalance(coins []CoinRef) uint64 {
	var total uint64
	for _, c := range coins {
		total += c.Balance
	}
	return total
}

// CoinIDSet builds a membership set over object ids.
func CoinIDSet(coins []CoinRef) map[ObjectID]struct{} {
	set := make(map[ObjectID]struct{}, len(coins))
	for _, c := range coins {
		set[c.ObjectID] = struct{}{}
	}
	return set
}
