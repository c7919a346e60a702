package storage

import (
	"strconv"

	"github.com/R3E-Network/gaspool/internal/types"
)

// Key layout, all per sponsor unless noted:
//
//	pool:{sponsor}                    list of available coin records
//	pool_balance:{sponsor}            int64 sum of pool record balances
//	reservation_seq:{sponsor}         reservation id counter
//	reservation:{id}:{sponsor}        reservation hash
//	reservations:by_expiry:{sponsor}  zset, score expires-at ms, member id@coins
//	executing:{sponsor}               set of reservation ids being executed
//	init_lock:{sponsor}               pool initializer lease
//	usage:{rule}:{bucket}             windowed gas usage counter
//	usage:daily:{sponsor}             rolling daily gas usage counter

func poolKey(sponsor types.Address) string {
	return "pool:" + sponsor.String()
}

func poolBalanceKey(sponsor types.Address) string {
	return "pool_balance:" + sponsor.String()
}

func seqKey(sponsor types.Address) string {
	return "reservation_seq:" + sponsor.String()
}

func reservationKey(id uint64, sponsor types.Address) string {
	return "reservation:" + strconv.FormatUint(id, 10) + ":" + sponsor.String()
}

func expiryKey(sponsor types.Address) string {
	return "reservations:by_expiry:" + sponsor.String()
}

func executingKey(sponsor types.Address) string {
	return "executing:" + sponsor.String()
}

func initLockKey(sponsor types.Address) string {
	return "init_lock:" + sponsor.String()
}

// UsageKey addresses one access-rule usage counter bucket.
func UsageKey(ruleID, bucket string) string {
	return "usage:" + ruleID + ":" + bucket
}

// DailyUsageKey addresses the sponsor-wide daily usage counter.
func DailyUsageKey(sponsor types.Address) string {
	return "usage:daily:" + sponsor.String()
}
