package queue

import "github.com/redis/go-redis/v9"

// Every state transition runs as one script so a job is never visible in two
// states at once. Job hashes not named in KEYS are addressed through the key
// prefix, which limits the queue to a single Redis node or hash slot.

// KEYS: job, delayed
// ARGV: id, name, payload, token, max_attempts, backoff_ms, due_ms, created_ms
var addScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1],
		'id', ARGV[1],
		'name', ARGV[2],
		'payload', ARGV[3],
		'token', ARGV[4],
		'state', 'delayed',
		'attempts_made', 0,
		'max_attempts', ARGV[5],
		'backoff_ms', ARGV[6],
		'due_at', ARGV[7],
		'created_at', ARGV[8])
	redis.call('ZADD', KEYS[2], ARGV[7], ARGV[1])
	return 1
`)

// KEYS: job, delayed, waiting, active, completed, failed
// ARGV: id
var removeScript = redis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if not state then
		return 0
	end
	if state == 'active' then
		return -1
	end
	redis.call('DEL', KEYS[1])
	for i = 2, 6 do
		redis.call('ZREM', KEYS[i], ARGV[1])
	end
	return 1
`)

// KEYS: delayed, waiting
// ARGV: now_ms, limit, prefix
// Returns a flat list of id, token pairs.
var promoteScript = redis.NewScript(`
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
	local out = {}
	for _, id in ipairs(ids) do
		redis.call('ZREM', KEYS[1], id)
		local key = ARGV[3] .. 'job:' .. id
		local token = redis.call('HGET', key, 'token')
		if token then
			redis.call('HSET', key, 'state', 'waiting')
			redis.call('ZADD', KEYS[2], ARGV[1], id)
			table.insert(out, id)
			table.insert(out, token)
		end
	end
	return out
`)

// KEYS: job, waiting, delayed
// ARGV: id, token, due_ms
var requeueScript = redis.NewScript(`
	local fields = redis.call('HMGET', KEYS[1], 'state', 'token')
	if fields[1] ~= 'waiting' or fields[2] ~= ARGV[2] then
		return 0
	end
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
	redis.call('HSET', KEYS[1], 'state', 'delayed', 'due_at', ARGV[3])
	return 1
`)

// KEYS: job, waiting, active
// ARGV: id, token, now_ms, lock_until_ms
var activateScript = redis.NewScript(`
	local fields = redis.call('HMGET', KEYS[1], 'state', 'token')
	if fields[1] ~= 'waiting' or fields[2] ~= ARGV[2] then
		return 0
	end
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
	redis.call('HSET', KEYS[1], 'state', 'active', 'processed_at', ARGV[3])
	redis.call('HINCRBY', KEYS[1], 'attempts_made', 1)
	return 1
`)

// KEYS: job, active
// ARGV: id, token, lock_until_ms
var extendLockScript = redis.NewScript(`
	local fields = redis.call('HMGET', KEYS[1], 'state', 'token')
	if fields[1] ~= 'active' or fields[2] ~= ARGV[2] then
		return 0
	end
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	return 1
`)

// KEYS: job, active, completed
// ARGV: id, token, now_ms
var completeScript = redis.NewScript(`
	local fields = redis.call('HMGET', KEYS[1], 'state', 'token')
	if fields[1] ~= 'active' or fields[2] ~= ARGV[2] then
		return 0
	end
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
	redis.call('HSET', KEYS[1], 'state', 'completed', 'finished_at', ARGV[3])
	return 1
`)

// KEYS: job, active, delayed, failed
// ARGV: id, token, now_ms, reason
// Returns 0 when the lock is lost, 1 when a retry was scheduled and 2 when
// the job ran out of attempts.
var failScript = redis.NewScript(`
	local fields = redis.call('HMGET', KEYS[1], 'state', 'token', 'attempts_made', 'max_attempts', 'backoff_ms')
	if fields[1] ~= 'active' or fields[2] ~= ARGV[2] then
		return 0
	end
	local now = tonumber(ARGV[3])
	local attempts = tonumber(fields[3]) or 0
	local max = tonumber(fields[4]) or 1
	local backoff = tonumber(fields[5]) or 0
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('HSET', KEYS[1], 'failed_reason', ARGV[4])
	if attempts < max then
		local due = math.floor(now + backoff * (2 ^ (attempts - 1)))
		redis.call('ZADD', KEYS[3], due, ARGV[1])
		redis.call('HSET', KEYS[1], 'state', 'delayed', 'due_at', due)
		return 1
	end
	redis.call('ZADD', KEYS[4], now, ARGV[1])
	redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_at', now)
	return 2
`)

// KEYS: active, waiting, delayed, failed
// ARGV: now_ms, waiting_cutoff_ms, limit, prefix
// Returns {stalled, requeued}.
var recoverScript = redis.NewScript(`
	local now = ARGV[1]
	local limit = tonumber(ARGV[3])
	local stalled = 0
	local requeued = 0

	local active = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, limit)
	for _, id in ipairs(active) do
		redis.call('ZREM', KEYS[1], id)
		local key = ARGV[4] .. 'job:' .. id
		local fields = redis.call('HMGET', key, 'attempts_made', 'max_attempts')
		if fields[2] then
			if (tonumber(fields[1]) or 0) >= (tonumber(fields[2]) or 1) then
				redis.call('ZADD', KEYS[4], now, id)
				redis.call('HSET', key, 'state', 'failed', 'finished_at', now, 'failed_reason', 'job stalled more than allowable limit')
			else
				redis.call('ZADD', KEYS[3], now, id)
				redis.call('HSET', key, 'state', 'delayed', 'due_at', now)
			end
			stalled = stalled + 1
		end
	end

	local waiting = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2], 'LIMIT', 0, limit)
	for _, id in ipairs(waiting) do
		redis.call('ZREM', KEYS[2], id)
		local key = ARGV[4] .. 'job:' .. id
		if redis.call('EXISTS', key) == 1 then
			redis.call('ZADD', KEYS[3], now, id)
			redis.call('HSET', key, 'state', 'delayed', 'due_at', now)
			requeued = requeued + 1
		end
	end

	return {stalled, requeued}
`)

// KEYS: finished set
// ARGV: cutoff_ms, keep, prefix
var cleanScript = redis.NewScript(`
	local removed = 0
	local old = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
	for _, id in ipairs(old) do
		redis.call('DEL', ARGV[3] .. 'job:' .. id)
		redis.call('ZREM', KEYS[1], id)
		removed = removed + 1
	end

	local excess = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[2])
	if excess > 0 then
		local ids = redis.call('ZRANGE', KEYS[1], 0, excess - 1)
		for _, id in ipairs(ids) do
			redis.call('DEL', ARGV[3] .. 'job:' .. id)
			redis.call('ZREM', KEYS[1], id)
			removed = removed + 1
		end
	end

	return removed
`)
