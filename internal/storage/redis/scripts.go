package redis

const (
	// incrementDailyUsageScript atomically adds seconds to one domain of a
	// day bucket and records the day in the index
	incrementDailyUsageScript = `
local usage_key = KEYS[1]     -- kfocus:usage:daily:{date}
local index_key = KEYS[2]     -- kfocus:usage:days

local date = ARGV[1]
local domain = ARGV[2]
local seconds = tonumber(ARGV[3])

if seconds == nil or seconds <= 0 then
  return redis.call('HGET', usage_key, domain) or 0
end

redis.call('SADD', index_key, date)
return redis.call('HINCRBY', usage_key, domain, seconds)
`

	// deleteDayScript removes a whole day bucket and its index entry,
	// returning the number of domain counters dropped
	deleteDayScript = `
local usage_key = KEYS[1]     -- kfocus:usage:daily:{date}
local index_key = KEYS[2]     -- kfocus:usage:days

local date = ARGV[1]

local count = redis.call('HLEN', usage_key)
redis.call('DEL', usage_key)
redis.call('SREM', index_key, date)

return count
`
)
