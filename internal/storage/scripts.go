package storage

import "github.com/go-redis/redis/v8"

// All multi-step pool mutations run as Lua scripts so that coin
// movement is atomic with the bookkeeping around it. Coin balances are
// never run through Lua number arithmetic on the mutation path: the
// balance suffix of a record is handed to INCRBY/DECRBY verbatim, which
// keeps the pool balance counter exact for any int64 balance.

// reserveScript pops coins head-first until their sum covers the
// budget, then writes the reservation hash and its expiry index entry.
// On shortfall or when the coin cap is hit, popped coins are pushed
// back to the head in their original order and nothing else changes.
//
// KEYS: 1 pool list, 2 reservation hash, 3 expiry zset, 4 pool balance
// ARGV: 1 budget, 2 max coins, 3 expires-at ms, 4 hash ttl ms, 5 id
var reserveScript = redis.NewScript(`
local budget = tonumber(ARGV[1])
local max_coins = tonumber(ARGV[2])
local picked = {}
local total = 0
while total < budget do
	if #picked >= max_coins then
		for i = #picked, 1, -1 do
			redis.call('LPUSH', KEYS[1], picked[i])
		end
		return {'cap'}
	end
	local rec = redis.call('LPOP', KEYS[1])
	if not rec then
		for i = #picked, 1, -1 do
			redis.call('LPUSH', KEYS[1], picked[i])
		end
		return {'insufficient'}
	end
	picked[#picked + 1] = rec
	total = total + tonumber(string.match(rec, '([^|]+)$'))
end
for i = 1, #picked do
	redis.call('DECRBY', KEYS[4], string.match(picked[i], '([^|]+)$'))
end
local coins = table.concat(picked, ';')
redis.call('HSET', KEYS[2], 'coins', coins, 'expires_at_ms', ARGV[3], 'state', 'live')
redis.call('PEXPIRE', KEYS[2], tonumber(ARGV[4]))
redis.call('ZADD', KEYS[3], tonumber(ARGV[3]), ARGV[5] .. '@' .. coins)
return {'ok', coins}
`)

// readyScript flips a live reservation to executing and removes it from
// the expiry index so the sweeper cannot reclaim coins that are about
// to be spent. Retries on an already-executing reservation return the
// same coins until finalization deletes the record; the deadline is
// only enforced on the first flip.
//
// KEYS: 1 reservation hash, 2 expiry zset, 3 executing set
// ARGV: 1 id, 2 now ms
var readyScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return {'not_found'}
end
local coins = redis.call('HGET', KEYS[1], 'coins')
local expires_at = redis.call('HGET', KEYS[1], 'expires_at_ms')
if state == 'executing' then
	return {'ok', coins, expires_at}
end
if tonumber(expires_at) <= tonumber(ARGV[2]) then
	return {'expired'}
end
redis.call('ZREM', KEYS[2], ARGV[1] .. '@' .. coins)
redis.call('HSET', KEYS[1], 'state', 'executing')
redis.call('SADD', KEYS[3], ARGV[1])
return {'ok', coins, expires_at}
`)

// releaseScript retires a reservation and pushes the given coin
// records, already updated by the caller when the coins were spent
// from, onto the pool tail. An empty record set drops the coins.
//
// KEYS: 1 reservation hash, 2 expiry zset, 3 pool list,
//       4 executing set, 5 pool balance
// ARGV: 1 id, 2 joined coin records, may be empty
var releaseScript = redis.NewScript(`
local coins = redis.call('HGET', KEYS[1], 'coins')
if not coins then
	return {'not_found'}
end
redis.call('ZREM', KEYS[2], ARGV[1] .. '@' .. coins)
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[4], ARGV[1])
local restored = 0
if ARGV[2] ~= '' then
	for rec in string.gmatch(ARGV[2], '([^;]+)') do
		redis.call('RPUSH', KEYS[3], rec)
		redis.call('INCRBY', KEYS[5], string.match(rec, '([^|]+)$'))
		restored = restored + 1
	end
end
return {'ok', restored}
`)

// expireScript reclaims every reservation whose deadline passed,
// returning its coins to the pool tail, and drops executing-set entries
// whose reservation hash is gone. Each index entry is claimed with ZREM
// before its coins are restored, so concurrent sweepers cannot restore
// the same coins twice.
//
// KEYS: 1 expiry zset, 2 pool list, 3 executing set, 4 pool balance
// ARGV: 1 now ms, 2 sponsor
var expireScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local reclaimed = 0
local restored = 0
for _, member in ipairs(members) do
	if redis.call('ZREM', KEYS[1], member) == 1 then
		reclaimed = reclaimed + 1
		local at = string.find(member, '@', 1, true)
		local id = string.sub(member, 1, at - 1)
		local coins = string.sub(member, at + 1)
		redis.call('DEL', 'reservation:' .. id .. ':' .. ARGV[2])
		for rec in string.gmatch(coins, '([^;]+)') do
			redis.call('RPUSH', KEYS[2], rec)
			redis.call('INCRBY', KEYS[4], string.match(rec, '([^|]+)$'))
			restored = restored + 1
		end
	end
end
for _, id in ipairs(redis.call('SMEMBERS', KEYS[3])) do
	if redis.call('EXISTS', 'reservation:' .. id .. ':' .. ARGV[2]) == 0 then
		redis.call('SREM', KEYS[3], id)
	end
end
return {reclaimed, restored}
`)

// addScript appends coin records to the pool tail and advances the
// balance counter in the same step.
//
// KEYS: 1 pool list, 2 pool balance
// ARGV: coin records
var addScript = redis.NewScript(`
for i = 1, #ARGV do
	redis.call('RPUSH', KEYS[1], ARGV[i])
	redis.call('INCRBY', KEYS[2], string.match(ARGV[i], '([^|]+)$'))
end
return #ARGV
`)

// usageScript adds a non-negative delta to a windowed usage counter.
// The window TTL is set when the counter is created and kept on later
// updates. Sums are carried as decimal strings and clamped at the int64
// maximum; Lua number arithmetic would round long before that.
//
// KEYS: 1 counter
// ARGV: 1 delta as decimal string, 2 window ms
var usageScript = redis.NewScript(`
local function cmpdec(a, b)
	if #a ~= #b then
		if #a < #b then return -1 else return 1 end
	end
	if a == b then return 0 end
	if a < b then return -1 end
	return 1
end
local function adddec(a, b)
	local out = ''
	local i, j, carry = #a, #b, 0
	while i > 0 or j > 0 or carry > 0 do
		local da = 0
		local db = 0
		if i > 0 then da = string.byte(a, i) - 48 end
		if j > 0 then db = string.byte(b, j) - 48 end
		local s = da + db + carry
		carry = math.floor(s / 10)
		out = tostring(s % 10) .. out
		i = i - 1
		j = j - 1
	end
	return out
end
local max = '9223372036854775807'
local cur = redis.call('GET', KEYS[1])
if not cur then
	local sum = ARGV[1]
	if cmpdec(sum, max) > 0 then sum = max end
	redis.call('SET', KEYS[1], sum, 'PX', tonumber(ARGV[2]))
	return sum
end
local sum = adddec(cur, ARGV[1])
if cmpdec(sum, max) > 0 then sum = max end
redis.call('SET', KEYS[1], sum, 'KEEPTTL')
return sum
`)

// unlockScript releases the init lock only for its current holder.
//
// KEYS: 1 lock
// ARGV: 1 holder token
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
