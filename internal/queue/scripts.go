package queue

import "github.com/redis/go-redis/v9"

// KEYS: wait, job hash, dedupe key
// ARGV: id, now_ms, resultId, userId, sessionId, userLanguage, dedupe_ttl_ms, job key prefix
var addScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[3])
if existing then
  local state = redis.call('HGET', ARGV[8]..existing, 'state')
  if state and state ~= 'completed' and state ~= 'failed' then
    return {0, existing}
  end
end
redis.call('HSET', KEYS[2],
  'id', ARGV[1], 'resultId', ARGV[3], 'userId', ARGV[4], 'sessionId', ARGV[5],
  'userLanguage', ARGV[6], 'state', 'waiting', 'attempts', '0', 'deferrals', '0',
  'enqueuedAt', ARGV[2])
redis.call('RPUSH', KEYS[1], ARGV[1])
if tonumber(ARGV[7]) > 0 then
  redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[7])
else
  redis.call('SET', KEYS[3], ARGV[1])
end
return {1, ARGV[1]}
`)

// KEYS: wait, active, paused
// ARGV: lease deadline ms, now ms, lease token, job key prefix, max active (0 = unbounded)
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return false
end
local limit = tonumber(ARGV[5])
if limit > 0 and redis.call('ZCARD', KEYS[2]) >= limit then
  return false
end
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HSET', ARGV[4]..id, 'state', 'active', 'processedAt', ARGV[2], 'lease', ARGV[3])
return id
`)

// KEYS: active, job hash
// ARGV: id, lease deadline ms, lease token
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[3] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// Moves an active job to a finished set (completed or failed) and trims that set.
// KEYS: active, finished set, job hash
// ARGV: id, now ms, lease token, state, keep, failedReason, attempts, job key prefix, dedupe key prefix
var finishScript = redis.NewScript(`
if ARGV[3] ~= '' and redis.call('HGET', KEYS[3], 'lease') ~= ARGV[3] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], 'state', ARGV[4], 'finishedAt', ARGV[2], 'attempts', ARGV[7])
if ARGV[6] ~= '' then
  redis.call('HSET', KEYS[3], 'failedReason', ARGV[6])
end
redis.call('HDEL', KEYS[3], 'lease', 'runAt')
local rid = redis.call('HGET', KEYS[3], 'resultId')
if rid and redis.call('GET', ARGV[9]..rid) == ARGV[1] then
  redis.call('DEL', ARGV[9]..rid)
end
local keep = tonumber(ARGV[5])
if keep >= 0 then
  local n = redis.call('ZCARD', KEYS[2])
  if n > keep then
    local old = redis.call('ZRANGE', KEYS[2], 0, n - keep - 1)
    for _, oid in ipairs(old) do
      redis.call('DEL', ARGV[8]..oid)
    end
    redis.call('ZREMRANGEBYRANK', KEYS[2], 0, n - keep - 1)
  end
end
return 1
`)

// KEYS: active, delayed, job hash
// ARGV: id, run at ms, lease token, failedReason, attempts, deferrals
var delayScript = redis.NewScript(`
if ARGV[3] ~= '' and redis.call('HGET', KEYS[3], 'lease') ~= ARGV[3] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'delayed', 'runAt', ARGV[2],
  'failedReason', ARGV[4], 'attempts', ARGV[5], 'deferrals', ARGV[6])
redis.call('HDEL', KEYS[3], 'lease')
return 1
`)

// KEYS: delayed, wait
// ARGV: now ms, limit, job key prefix
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[3]..id, 'state', 'waiting')
  redis.call('HDEL', ARGV[3]..id, 'runAt')
end
return #ids
`)

// Expired leases go back to the head of wait so they run next.
// KEYS: active, wait
// ARGV: now ms, limit, job key prefix
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[3]..id, 'state', 'waiting')
  redis.call('HDEL', ARGV[3]..id, 'lease')
end
return ids
`)

// KEYS: wait, delayed, job hash
// ARGV: id, dedupe key prefix
var removeScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 0, ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
if removed == 0 then
  return 0
end
local rid = redis.call('HGET', KEYS[3], 'resultId')
if rid and redis.call('GET', ARGV[2]..rid) == ARGV[1] then
  redis.call('DEL', ARGV[2]..rid)
end
redis.call('DEL', KEYS[3])
return 1
`)

// Counts every state, purges the selected ones, and counts again in one atomic step.
// KEYS: wait, active, delayed, completed, failed
// ARGV: job key prefix, dedupe key prefix, then one '1'/'0' flag per KEY
var cleanScript = redis.NewScript(`
local function count(i)
  if i == 1 then
    return redis.call('LLEN', KEYS[1])
  end
  return redis.call('ZCARD', KEYS[i])
end
local out = {}
for i = 1, 5 do
  out[i] = count(i)
end
for i = 1, 5 do
  if ARGV[2 + i] == '1' then
    local ids
    if i == 1 then
      ids = redis.call('LRANGE', KEYS[1], 0, -1)
    else
      ids = redis.call('ZRANGE', KEYS[i], 0, -1)
    end
    for _, id in ipairs(ids) do
      local jk = ARGV[1]..id
      local rid = redis.call('HGET', jk, 'resultId')
      if rid and redis.call('GET', ARGV[2]..rid) == id then
        redis.call('DEL', ARGV[2]..rid)
      end
      redis.call('DEL', jk)
    end
    redis.call('DEL', KEYS[i])
  end
end
for i = 1, 5 do
  out[5 + i] = count(i)
end
return out
`)
