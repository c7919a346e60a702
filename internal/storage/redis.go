package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/types"
	"github.com/R3E-Network/gaspool/pkg/logger"
)

// reservationSlack keeps the reservation hash readable a little past
// its deadline. Reclamation is driven by the expiry index, which
// carries the coin records itself, so a lapsed hash never strands
// coins.
const reservationSlack = 30 * time.Second

// Connect opens and pings a redis client for url.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalid, err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "ping redis")
	}
	return client, nil
}

// RedisStore implements Store on a redis backend.
type RedisStore struct {
	client redis.UniversalClient
	log    *logger.Logger
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, log *logger.Logger) *RedisStore {
	return &RedisStore{client: client, log: log, now: time.Now}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) ReserveCoins(ctx context.Context, sponsor types.Address, budget uint64, maxCoins int, duration time.Duration) (*types.Reservation, error) {
	id, err := s.client.Incr(ctx, seqKey(sponsor)).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "allocate reservation id")
	}
	expiresAt := s.now().Add(duration)
	ttl := duration + reservationSlack
	raw, err := reserveScript.Run(ctx, s.client,
		[]string{poolKey(sponsor), reservationKey(uint64(id), sponsor), expiryKey(sponsor), poolBalanceKey(sponsor)},
		strconv.FormatUint(budget, 10),
		strconv.Itoa(maxCoins),
		strconv.FormatInt(expiresAt.UnixMilli(), 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
		strconv.FormatInt(id, 10),
	).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "reserve coins")
	}
	status, rest, err := scriptReply(raw)
	if err != nil {
		return nil, err
	}
	switch status {
	case "ok":
		coins, err := coinsFromReply(rest, 0)
		if err != nil {
			return nil, err
		}
		return &types.Reservation{
			ID:           uint64(id),
			Coins:        coins,
			TotalBalance: types.TotalBalance(coins),
			ExpiresAt:    expiresAt,
			State:        types.ReservationLive,
		}, nil
	case "cap":
		return nil, errs.Newf(errs.KindInsufficient,
			"covering budget %d would take more than %d coins", budget, maxCoins)
	case "insufficient":
		return nil, errs.Newf(errs.KindInsufficient,
			"pool cannot cover budget %d", budget)
	}
	return nil, errs.Newf(errs.KindInternal, "reserve returned %q", status)
}

func (s *RedisStore) GetReservation(ctx context.Context, sponsor types.Address, id uint64) (*types.Reservation, error) {
	fields, err := s.client.HGetAll(ctx, reservationKey(id, sponsor)).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "read reservation %d", id)
	}
	if len(fields) == 0 {
		return nil, errs.Newf(errs.KindNotFound, "reservation %d not found", id)
	}
	return reservationFromHash(id, fields)
}

func (s *RedisStore) ReadyForExecution(ctx context.Context, sponsor types.Address, id uint64) (*types.Reservation, error) {
	raw, err := readyScript.Run(ctx, s.client,
		[]string{reservationKey(id, sponsor), expiryKey(sponsor), executingKey(sponsor)},
		strconv.FormatUint(id, 10),
		strconv.FormatInt(s.now().UnixMilli(), 10),
	).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "mark reservation %d executing", id)
	}
	status, rest, err := scriptReply(raw)
	if err != nil {
		return nil, err
	}
	switch status {
	case "ok":
		coins, err := coinsFromReply(rest, 0)
		if err != nil {
			return nil, err
		}
		expiresMs, err := int64FromReply(rest, 1)
		if err != nil {
			return nil, err
		}
		return &types.Reservation{
			ID:           id,
			Coins:        coins,
			TotalBalance: types.TotalBalance(coins),
			ExpiresAt:    time.UnixMilli(expiresMs),
			State:        types.ReservationExecuting,
		}, nil
	case "not_found":
		return nil, errs.Newf(errs.KindNotFound, "reservation %d not found", id)
	case "expired":
		return nil, errs.Newf(errs.KindExpired, "reservation %d has expired", id)
	}
	return nil, errs.Newf(errs.KindInternal, "ready_for_execution returned %q", status)
}

func (s *RedisStore) ReleaseReservation(ctx context.Context, sponsor types.Address, id uint64, coins []types.CoinRef) error {
	raw, err := releaseScript.Run(ctx, s.client,
		[]string{reservationKey(id, sponsor), expiryKey(sponsor), poolKey(sponsor), executingKey(sponsor), poolBalanceKey(sponsor)},
		strconv.FormatUint(id, 10),
		types.JoinCoinRecords(coins),
	).Result()
	if err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, err, "release reservation %d", id)
	}
	status, _, err := scriptReply(raw)
	if err != nil {
		return err
	}
	switch status {
	case "ok":
		return nil
	case "not_found":
		return errs.Newf(errs.KindNotFound, "reservation %d not found", id)
	}
	return errs.Newf(errs.KindInternal, "release returned %q", status)
}

func (s *RedisStore) ExpireReservations(ctx context.Context, sponsor types.Address, now time.Time) (int64, int64, error) {
	raw, err := expireScript.Run(ctx, s.client,
		[]string{expiryKey(sponsor), poolKey(sponsor), executingKey(sponsor), poolBalanceKey(sponsor)},
		strconv.FormatInt(now.UnixMilli(), 10),
		sponsor.String(),
	).Result()
	if err != nil {
		return 0, 0, errs.Wrap(errs.KindStoreUnavailable, err, "expire reservations")
	}
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, 0, errs.Newf(errs.KindInternal, "expire returned %T", raw)
	}
	reclaimed, _ := arr[0].(int64)
	restored, _ := arr[1].(int64)
	return reclaimed, restored, nil
}

func (s *RedisStore) AddCoins(ctx context.Context, sponsor types.Address, coins []types.CoinRef) error {
	if len(coins) == 0 {
		return nil
	}
	args := make([]interface{}, len(coins))
	for i, c := range coins {
		args[i] = c.Record()
	}
	err := addScript.Run(ctx, s.client,
		[]string{poolKey(sponsor), poolBalanceKey(sponsor)}, args...).Err()
	if err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, err, "add %d coins", len(coins))
	}
	return nil
}

func (s *RedisStore) TrackedCoinIDs(ctx context.Context, sponsor types.Address) (map[types.ObjectID]bool, error) {
	ids := make(map[types.ObjectID]bool)
	collect := func(joined string) {
		coins, err := types.ParseCoinRecords(joined)
		if err != nil {
			s.log.WithError(err).Warnf("skipping unparseable coin records")
			return
		}
		for _, c := range coins {
			ids[c.ObjectID] = true
		}
	}

	pooled, err := s.client.LRange(ctx, poolKey(sponsor), 0, -1).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "read pool")
	}
	for _, rec := range pooled {
		collect(rec)
	}

	members, err := s.client.ZRange(ctx, expiryKey(sponsor), 0, -1).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "read expiry index")
	}
	for _, m := range members {
		if _, coins, ok := splitExpiryMember(m); ok {
			collect(coins)
		}
	}

	executing, err := s.client.SMembers(ctx, executingKey(sponsor)).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "read executing set")
	}
	for _, idStr := range executing {
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		joined, err := s.client.HGet(ctx, reservationKey(id, sponsor), "coins").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errs.Wrap(errs.KindStoreUnavailable, err, "read executing reservation %d", id)
		}
		collect(joined)
	}
	return ids, nil
}

func (s *RedisStore) PoolStats(ctx context.Context, sponsor types.Address) (*PoolStats, error) {
	pipe := s.client.Pipeline()
	coins := pipe.LLen(ctx, poolKey(sponsor))
	balance := pipe.Get(ctx, poolBalanceKey(sponsor))
	live := pipe.ZCard(ctx, expiryKey(sponsor))
	executing := pipe.SCard(ctx, executingKey(sponsor))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, err, "read pool stats")
	}
	stats := &PoolStats{
		AvailableCoins:   coins.Val(),
		LiveReservations: live.Val(),
		Executing:        executing.Val(),
	}
	if raw := balance.Val(); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.log.Warnf("pool balance counter holds %q, reporting zero", raw)
		} else {
			stats.AvailableBalance = n
		}
	}
	return stats, nil
}

func (s *RedisStore) AcquireInitLock(ctx context.Context, sponsor types.Address, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, initLockKey(sponsor), holder, ttl).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindStoreUnavailable, err, "acquire init lock")
	}
	return ok, nil
}

func (s *RedisStore) ReleaseInitLock(ctx context.Context, sponsor types.Address, holder string) error {
	released, err := unlockScript.Run(ctx, s.client,
		[]string{initLockKey(sponsor)}, holder).Int64()
	if err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, err, "release init lock")
	}
	if released == 0 {
		s.log.Warnf("init lock was not held by this holder at release")
	}
	return nil
}

func (s *RedisStore) IncrementUsage(ctx context.Context, key string, delta uint64, window time.Duration) (uint64, error) {
	raw, err := usageScript.Run(ctx, s.client, []string{key},
		strconv.FormatUint(delta, 10),
		strconv.FormatInt(window.Milliseconds(), 10),
	).Text()
	if err != nil {
		return 0, errs.Wrap(errs.KindStoreUnavailable, err, "increment usage %s", key)
	}
	sum, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err, "usage counter %s holds %q", key, raw)
	}
	return sum, nil
}

func (s *RedisStore) ReadUsage(ctx context.Context, key string) (uint64, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(errs.KindStoreUnavailable, err, "read usage %s", key)
	}
	sum, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, err, "usage counter %s holds %q", key, raw)
	}
	return sum, nil
}

func (s *RedisStore) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, err, "ping store")
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func scriptReply(raw interface{}) (string, []interface{}, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) == 0 {
		return "", nil, errs.Newf(errs.KindInternal, "unexpected script reply %T", raw)
	}
	status, ok := arr[0].(string)
	if !ok {
		return "", nil, errs.Newf(errs.KindInternal, "unexpected script status %T", arr[0])
	}
	return status, arr[1:], nil
}

func coinsFromReply(rest []interface{}, idx int) ([]types.CoinRef, error) {
	if idx >= len(rest) {
		return nil, errs.Newf(errs.KindInternal, "script reply missing coins")
	}
	joined, ok := rest[idx].(string)
	if !ok {
		return nil, errs.Newf(errs.KindInternal, "script coins reply %T", rest[idx])
	}
	coins, err := types.ParseCoinRecords(joined)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "parse reserved coins")
	}
	return coins, nil
}

func int64FromReply(rest []interface{}, idx int) (int64, error) {
	if idx >= len(rest) {
		return 0, errs.Newf(errs.KindInternal, "script reply too short")
	}
	switch v := rest[idx].(type) {
	case int64:
		return v, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errs.Wrap(errs.KindInternal, err, "script numeric reply %q", v)
		}
		return n, nil
	}
	return 0, errs.Newf(errs.KindInternal, "script numeric reply %T", rest[idx])
}

func splitExpiryMember(member string) (uint64, string, bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == '@' {
			id, err := strconv.ParseUint(member[:i], 10, 64)
			if err != nil {
				return 0, "", false
			}
			return id, member[i+1:], true
		}
	}
	return 0, "", false
}

func reservationFromHash(id uint64, fields map[string]string) (*types.Reservation, error) {
	coins, err := types.ParseCoinRecords(fields["coins"])
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "parse reservation %d coins", id)
	}
	expiresMs, err := strconv.ParseInt(fields["expires_at_ms"], 10, 64)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "parse reservation %d expiry", id)
	}
	state := types.ReservationState(fields["state"])
	if state != types.ReservationLive && state != types.ReservationExecuting {
		return nil, errs.Newf(errs.KindInternal, "reservation %d has state %q", id, fields["state"])
	}
	return &types.Reservation{
		ID:           id,
		Coins:        coins,
		TotalBalance: types.TotalBalance(coins),
		ExpiresAt:    time.UnixMilli(expiresMs),
		State:        state,
	}, nil
}
