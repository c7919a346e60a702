package storage

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/types"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

var testSponsor = testAddr(0xAA)

func testAddr(b byte) types.Address {
	var a types.Address
	a[31] = b
	return a
}

func testCoin(b byte, balance uint64) types.CoinRef {
	return types.CoinRef{
		ObjectID: testAddr(b),
		Version:  1,
		Digest:   "49vyLKZyy9Nv4rrSdtBFyg6S1NTa7GVqUoY8SvMZVTZ5",
		Balance:  balance,
	}
}

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, logger.NewDefault("storage-test")), mr
}

func mustAdd(t *testing.T, s *RedisStore, coins ...types.CoinRef) {
	t.Helper()
	if err := s.AddCoins(context.Background(), testSponsor, coins); err != nil {
		t.Fatalf("AddCoins: %v", err)
	}
}

func poolRecords(t *testing.T, mr *miniredis.Miniredis) []string {
	t.Helper()
	recs, err := mr.List(poolKey(testSponsor))
	if err == miniredis.ErrKeyNotFound {
		// Redis removes empty lists, so a missing key is an empty pool.
		return nil
	}
	if err != nil {
		t.Fatalf("read pool list: %v", err)
	}
	return recs
}

func TestReserveCoinsHeadFirst(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	a, b, c := testCoin(1, 100), testCoin(2, 200), testCoin(3, 300)
	mustAdd(t, s, a, b, c)

	res, err := s.ReserveCoins(ctx, testSponsor, 250, 10, time.Minute)
	if err != nil {
		t.Fatalf("ReserveCoins: %v", err)
	}
	if res.ID != 1 {
		t.Fatalf("first reservation id = %d, want 1", res.ID)
	}
	if len(res.Coins) != 2 || res.Coins[0].ObjectID != a.ObjectID || res.Coins[1].ObjectID != b.ObjectID {
		t.Fatalf("reserved coins = %v, want head-first a then b", res.Coins)
	}
	if res.TotalBalance != 300 {
		t.Fatalf("total balance = %d, want 300", res.TotalBalance)
	}
	if res.State != types.ReservationLive {
		t.Fatalf("state = %q, want live", res.State)
	}

	left := poolRecords(t, mr)
	if len(left) != 1 || left[0] != c.Record() {
		t.Fatalf("pool after reserve = %v, want only c", left)
	}
	stats, err := s.PoolStats(ctx, testSponsor)
	if err != nil {
		t.Fatalf("PoolStats: %v", err)
	}
	if stats.AvailableBalance != 300 || stats.AvailableCoins != 1 || stats.LiveReservations != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestReserveInsufficientRestoresOrder(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	a, b := testCoin(1, 100), testCoin(2, 200)
	mustAdd(t, s, a, b)

	_, err := s.ReserveCoins(ctx, testSponsor, 1000, 10, time.Minute)
	if !errs.IsKind(err, errs.KindInsufficient) {
		t.Fatalf("err = %v, want Insufficient", err)
	}
	recs := poolRecords(t, mr)
	if len(recs) != 2 || recs[0] != a.Record() || recs[1] != b.Record() {
		t.Fatalf("pool after failed reserve = %v, want original order", recs)
	}
	stats, _ := s.PoolStats(ctx, testSponsor)
	if stats.AvailableBalance != 300 {
		t.Fatalf("balance after failed reserve = %d, want 300", stats.AvailableBalance)
	}
}

func TestReserveCoinCap(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	mustAdd(t, s, testCoin(1, 100), testCoin(2, 100), testCoin(3, 100))

	_, err := s.ReserveCoins(ctx, testSponsor, 250, 2, time.Minute)
	if !errs.IsKind(err, errs.KindInsufficient) {
		t.Fatalf("err = %v, want Insufficient", err)
	}
	if recs := poolRecords(t, mr); len(recs) != 3 {
		t.Fatalf("pool after cap rejection has %d coins, want 3", len(recs))
	}

	res, err := s.ReserveCoins(ctx, testSponsor, 250, 3, time.Minute)
	if err != nil {
		t.Fatalf("ReserveCoins with cap 3: %v", err)
	}
	if len(res.Coins) != 3 {
		t.Fatalf("reserved %d coins, want 3", len(res.Coins))
	}
}

func TestReserveExactBudget(t *testing.T) {
	s, _ := newTestStore(t)
	mustAdd(t, s, testCoin(1, 100), testCoin(2, 200))

	res, err := s.ReserveCoins(context.Background(), testSponsor, 300, 10, time.Minute)
	if err != nil {
		t.Fatalf("ReserveCoins: %v", err)
	}
	if res.TotalBalance != 300 || len(res.Coins) != 2 {
		t.Fatalf("reservation = %+v, want both coins at exactly 300", res)
	}
}

func TestReadyForExecutionIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAdd(t, s, testCoin(1, 500))
	res, err := s.ReserveCoins(ctx, testSponsor, 400, 10, time.Minute)
	if err != nil {
		t.Fatalf("ReserveCoins: %v", err)
	}

	got, err := s.ReadyForExecution(ctx, testSponsor, res.ID)
	if err != nil {
		t.Fatalf("ReadyForExecution: %v", err)
	}
	if got.State != types.ReservationExecuting {
		t.Fatalf("state = %q, want executing", got.State)
	}
	if len(got.Coins) != 1 || got.Coins[0].ObjectID != res.Coins[0].ObjectID {
		t.Fatalf("coins = %v, want reserved coin", got.Coins)
	}

	// A retry returns the same coins until the reservation is finalized.
	again, err := s.ReadyForExecution(ctx, testSponsor, res.ID)
	if err != nil {
		t.Fatalf("retry ReadyForExecution: %v", err)
	}
	if len(again.Coins) != 1 || again.Coins[0] != got.Coins[0] || again.State != types.ReservationExecuting {
		t.Fatalf("retry = %+v, want same coins", again)
	}

	// Executing reservations are off the expiry index: a late sweep
	// must not return their coins.
	reclaimed, restored, err := s.ExpireReservations(ctx, testSponsor, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ExpireReservations: %v", err)
	}
	if reclaimed != 0 || restored != 0 {
		t.Fatalf("sweep reclaimed %d/%d, want 0/0", reclaimed, restored)
	}
}

func TestReadyForExecutionAfterDeadline(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	s.now = func() time.Time { return base }
	mustAdd(t, s, testCoin(1, 500))
	res, err := s.ReserveCoins(ctx, testSponsor, 400, 10, time.Second)
	if err != nil {
		t.Fatalf("ReserveCoins: %v", err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Second) }
	if _, err := s.ReadyForExecution(ctx, testSponsor, res.ID); !errs.IsKind(err, errs.KindExpired) {
		t.Fatalf("err = %v, want Expired", err)
	}
}

func TestExpireReturnsCoinsToTail(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	a, b, c := testCoin(1, 100), testCoin(2, 200), testCoin(3, 300)
	mustAdd(t, s, a, b, c)
	res, err := s.ReserveCoins(ctx, testSponsor, 250, 10, time.Minute)
	if err != nil {
		t.Fatalf("ReserveCoins: %v", err)
	}

	reclaimed, restored, err := s.ExpireReservations(ctx, testSponsor, res.ExpiresAt.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("ExpireReservations: %v", err)
	}
	if reclaimed != 1 || restored != 2 {
		t.Fatalf("sweep = %d reservations / %d coins, want 1/2", reclaimed, restored)
	}
	recs := poolRecords(t, mr)
	want := []string{c.Record(), a.Record(), b.Record()}
	if len(recs) != 3 || recs[0] != want[0] || recs[1] != want[1] || recs[2] != want[2] {
		t.Fatalf("pool after sweep = %v, want %v", recs, want)
	}
	stats, _ := s.PoolStats(ctx, testSponsor)
	if stats.AvailableBalance != 600 || stats.LiveReservations != 0 {
		t.Fatalf("stats after sweep = %+v", stats)
	}
	if _, err := s.GetReservation(ctx, testSponsor, res.ID); !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("GetReservation after sweep = %v, want NotFound", err)
	}

	// A second sweep at the same instant finds nothing.
	reclaimed, restored, err = s.ExpireReservations(ctx, testSponsor, res.ExpiresAt.Add(time.Millisecond))
	if err != nil || reclaimed != 0 || restored != 0 {
		t.Fatalf("second sweep = %d/%d err %v, want nothing", reclaimed, restored, err)
	}
}

func TestReleaseWithUpdatedCoins(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	a, c := testCoin(1, 500), testCoin(3, 300)
	mustAdd(t, s, a, c)
	res, err := s.ReserveCoins(ctx, testSponsor, 400, 10, time.Minute)
	if err != nil {
		t.Fatalf("ReserveCoins: %v", err)
	}
	if _, err := s.ReadyForExecution(ctx, testSponsor, res.ID); err != nil {
		t.Fatalf("ReadyForExecution: %v", err)
	}

	change := a
	change.Version = 7
	change.Balance = 420
	if err := s.ReleaseReservation(ctx, testSponsor, res.ID, []types.CoinRef{change}); err != nil {
		t.Fatalf("ReleaseReservation: %v", err)
	}
	recs := poolRecords(t, mr)
	if len(recs) != 2 || recs[0] != c.Record() || recs[1] != change.Record() {
		t.Fatalf("pool after release = %v, want [c, updated a]", recs)
	}
	stats, _ := s.PoolStats(ctx, testSponsor)
	if stats.AvailableBalance != 720 || stats.Executing != 0 {
		t.Fatalf("stats after release = %+v", stats)
	}

	if err := s.ReleaseReservation(ctx, testSponsor, res.ID, nil); !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("second release = %v, want NotFound", err)
	}
}

func TestReleaseLiveReservation(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	a := testCoin(1, 500)
	mustAdd(t, s, a)
	res, err := s.ReserveCoins(ctx, testSponsor, 400, 10, time.Minute)
	if err != nil {
		t.Fatalf("ReserveCoins: %v", err)
	}

	if err := s.ReleaseReservation(ctx, testSponsor, res.ID, res.Coins); err != nil {
		t.Fatalf("ReleaseReservation: %v", err)
	}
	if recs := poolRecords(t, mr); len(recs) != 1 || recs[0] != a.Record() {
		t.Fatalf("pool after release = %v, want original coin", recs)
	}
	// The expiry index entry is gone with it.
	reclaimed, restored, err := s.ExpireReservations(ctx, testSponsor, time.Now().Add(time.Hour))
	if err != nil || reclaimed != 0 || restored != 0 {
		t.Fatalf("sweep after release = %d/%d err %v, want nothing", reclaimed, restored, err)
	}
}

func TestReleaseDroppingCoins(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	mustAdd(t, s, testCoin(1, 500))
	res, err := s.ReserveCoins(ctx, testSponsor, 400, 10, time.Minute)
	if err != nil {
		t.Fatalf("ReserveCoins: %v", err)
	}
	if _, err := s.ReadyForExecution(ctx, testSponsor, res.ID); err != nil {
		t.Fatalf("ReadyForExecution: %v", err)
	}
	if err := s.ReleaseReservation(ctx, testSponsor, res.ID, nil); err != nil {
		t.Fatalf("ReleaseReservation: %v", err)
	}
	if recs := poolRecords(t, mr); len(recs) != 0 {
		t.Fatalf("pool after dropping release = %v, want empty", recs)
	}
	stats, _ := s.PoolStats(ctx, testSponsor)
	if stats.AvailableBalance != 0 {
		t.Fatalf("balance after dropping release = %d, want 0", stats.AvailableBalance)
	}
}

func TestExpireThenReleaseDoesNotDoubleRestore(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	mustAdd(t, s, testCoin(1, 500))
	res, err := s.ReserveCoins(ctx, testSponsor, 400, 10, time.Minute)
	if err != nil {
		t.Fatalf("ReserveCoins: %v", err)
	}

	if _, _, err := s.ExpireReservations(ctx, testSponsor, res.ExpiresAt.Add(time.Second)); err != nil {
		t.Fatalf("ExpireReservations: %v", err)
	}
	if err := s.ReleaseReservation(ctx, testSponsor, res.ID, res.Coins); !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("release after sweep = %v, want NotFound", err)
	}
	if recs := poolRecords(t, mr); len(recs) != 1 {
		t.Fatalf("pool holds %d coins, want exactly 1", len(recs))
	}
}

func TestReservationIDsIncrement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mustAdd(t, s, testCoin(1, 500), testCoin(2, 500))

	first, err := s.ReserveCoins(ctx, testSponsor, 100, 10, time.Minute)
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	second, err := s.ReserveCoins(ctx, testSponsor, 100, 10, time.Minute)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("ids = %d, %d, want 1, 2", first.ID, second.ID)
	}
}

func TestInitLock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireInitLock(ctx, testSponsor, "holder-a", time.Hour)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, err = s.AcquireInitLock(ctx, testSponsor, "holder-b", time.Hour)
	if err != nil || ok {
		t.Fatalf("second acquire = %v, %v, want refusal", ok, err)
	}

	if err := s.ReleaseInitLock(ctx, testSponsor, "holder-b"); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	ok, _ = s.AcquireInitLock(ctx, testSponsor, "holder-b", time.Hour)
	if ok {
		t.Fatal("non-holder release must not free the lock")
	}

	if err := s.ReleaseInitLock(ctx, testSponsor, "holder-a"); err != nil {
		t.Fatalf("release by holder: %v", err)
	}
	ok, _ = s.AcquireInitLock(ctx, testSponsor, "holder-b", time.Hour)
	if !ok {
		t.Fatal("lock not acquirable after holder release")
	}
}

func TestUsageCounterWindowAndClamp(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := UsageKey("rule-1", "global")

	sum, err := s.IncrementUsage(ctx, key, 100, time.Hour)
	if err != nil || sum != 100 {
		t.Fatalf("first increment = %d, %v", sum, err)
	}
	sum, err = s.IncrementUsage(ctx, key, 50, time.Hour)
	if err != nil || sum != 150 {
		t.Fatalf("second increment = %d, %v", sum, err)
	}
	got, err := s.ReadUsage(ctx, key)
	if err != nil || got != 150 {
		t.Fatalf("ReadUsage = %d, %v", got, err)
	}

	// Later increments keep the original window.
	mr.FastForward(45 * time.Minute)
	if _, err := s.IncrementUsage(ctx, key, 1, time.Hour); err != nil {
		t.Fatalf("increment near expiry: %v", err)
	}
	mr.FastForward(16 * time.Minute)
	got, err = s.ReadUsage(ctx, key)
	if err != nil || got != 0 {
		t.Fatalf("ReadUsage after window = %d, %v, want 0", got, err)
	}

	// Sums saturate at the int64 maximum instead of wrapping.
	if _, err := s.IncrementUsage(ctx, key, math.MaxInt64, time.Hour); err != nil {
		t.Fatalf("increment to max: %v", err)
	}
	sum, err = s.IncrementUsage(ctx, key, 10, time.Hour)
	if err != nil || sum != math.MaxInt64 {
		t.Fatalf("clamped sum = %d, %v, want MaxInt64", sum, err)
	}
}

func TestTrackedCoinIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	a, b, c := testCoin(1, 500), testCoin(2, 500), testCoin(3, 300)
	mustAdd(t, s, a, b, c)

	if _, err := s.ReserveCoins(ctx, testSponsor, 400, 10, time.Minute); err != nil {
		t.Fatalf("reserve live: %v", err)
	}
	executing, err := s.ReserveCoins(ctx, testSponsor, 400, 10, time.Minute)
	if err != nil {
		t.Fatalf("reserve executing: %v", err)
	}
	if _, err := s.ReadyForExecution(ctx, testSponsor, executing.ID); err != nil {
		t.Fatalf("ReadyForExecution: %v", err)
	}

	ids, err := s.TrackedCoinIDs(ctx, testSponsor)
	if err != nil {
		t.Fatalf("TrackedCoinIDs: %v", err)
	}
	for _, want := range []types.CoinRef{a, b, c} {
		if !ids[want.ObjectID] {
			t.Fatalf("tracked ids missing %s", want.ObjectID)
		}
	}
	if len(ids) != 3 {
		t.Fatalf("tracked %d ids, want 3", len(ids))
	}
}
