package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matst80/binlogproxy/internal/obs"
	"github.com/redis/go-redis/v9"
)

// errStateLost is raised by the scripts when the state hash is gone. The
// hash is never recreated implicitly: a fresh hash would reopen a completed
// schedule and replay the first threshold.
const errStateLost = "binlogproxy state missing"

// checkScript runs the disconnect decision atomically on the server so that
// concurrent sessions never both claim the last planned disconnect.
// Returns {disconnect, threshold, disconnects, completed}.
var checkScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return redis.error_reply('` + errStateLost + `')
end
redis.call('EXPIRE', key, tonumber(ARGV[5]))
local sessionBytes = tonumber(ARGV[1])
local planned = tonumber(ARGV[2])
if redis.call('HGET', key, 'completed') == '1' then
  return {0, 0, 0, 0}
end
local threshold = tonumber(ARGV[4])
if redis.call('HGET', key, 'first_check') ~= '1' then
  threshold = tonumber(ARGV[3])
  redis.call('HSET', key, 'first_check', '1')
end
local n = tonumber(redis.call('HGET', key, 'disconnects') or '0')
if sessionBytes <= threshold or n >= planned then
  return {0, threshold, n, 0}
end
n = redis.call('HINCRBY', key, 'disconnects', 1)
local done = 0
if n >= planned then
  redis.call('HSET', key, 'completed', '1')
  done = 1
end
return {1, threshold, n, done}
`)

// accountScript adds ARGV[1] to the byte total and returns the whole hash.
var accountScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return redis.error_reply('` + errStateLost + `')
end
redis.call('HINCRBY', key, 'total', tonumber(ARGV[1]))
redis.call('EXPIRE', key, tonumber(ARGV[2]))
return redis.call('HGETALL', key)
`)

// RedisStore keeps the scheduler state in a Redis hash. The key carries a
// per-process instance id, so a restarted proxy never sees earlier state.
type RedisStore struct {
	client     *redis.Client
	planned    int
	instanceID string
	key        string
	keyTTL     time.Duration

	heartbeatInterval time.Duration
	stopMaintenance   context.CancelFunc
	maintenanceDone   chan struct{}
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(planned int, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if planned < 0 {
		planned = 0
	}
	instanceID := fmt.Sprintf("binlogproxy-%d", time.Now().UnixNano())
	r := &RedisStore{
		client:     rdb,
		planned:    planned,
		instanceID: instanceID,
		key:        "binlogproxy:" + instanceID + ":state",
		keyTTL:     24 * time.Hour,

		heartbeatInterval: time.Hour,
		maintenanceDone:   make(chan struct{}),
	}
	completed := "0"
	if planned == 0 {
		completed = "1"
	}
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, r.key, "total", 0, "disconnects", 0, "completed", completed, "first_check", "0")
	pipe.Expire(ctx, r.key, r.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis init state: %w", err)
	}
	mctx, stop := context.WithCancel(context.Background())
	r.stopMaintenance = stop
	go r.startMaintenance(mctx)
	return r, nil
}

// startMaintenance keeps the state key alive while the process runs, so an
// idle proxy does not lose its schedule to the TTL.
func (r *RedisStore) startMaintenance(ctx context.Context) {
	defer close(r.maintenanceDone)
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.heartbeat(ctx); err != nil {
				obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "key": r.key})
			}
		}
	}
}

// heartbeat extends the state key TTL. It fails if the key is already gone.
func (r *RedisStore) heartbeat(ctx context.Context) error {
	ok, err := r.client.Expire(ctx, r.key, r.keyTTL).Result()
	if err != nil {
		return fmt.Errorf("redis expire: %w", err)
	}
	if !ok {
		return errors.New(errStateLost)
	}
	return nil
}

// InstanceID identifies this process's state in Redis.
func (r *RedisStore) InstanceID() string { return r.instanceID }

func (r *RedisStore) Account(ctx context.Context, n int64) (Snapshot, error) {
	flat, err := accountScript.Run(ctx, r.client, []string{r.key}, n, ttlSeconds(r.keyTTL)).StringSlice()
	if err != nil {
		return Snapshot{}, fmt.Errorf("redis account: %w", err)
	}
	all := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		all[flat[i]] = flat[i+1]
	}
	return r.parse(all)
}

func (r *RedisStore) Check(ctx context.Context, sessionBytes int64) (Decision, error) {
	v, err := checkScript.Run(ctx, r.client, []string{r.key},
		sessionBytes, r.planned, FirstThreshold, SubsequentThreshold, ttlSeconds(r.keyTTL)).Int64Slice()
	if err != nil {
		return Decision{Planned: r.planned}, fmt.Errorf("redis check: %w", err)
	}
	if len(v) != 4 {
		return Decision{Planned: r.planned}, fmt.Errorf("redis check: unexpected reply %v", v)
	}
	d := Decision{Planned: r.planned, Threshold: v[1]}
	if v[0] == 1 {
		d.Disconnect = true
		d.Number = int(v[2])
		d.Completed = v[3] == 1
	}
	return d, nil
}

func (r *RedisStore) Snapshot(ctx context.Context) (Snapshot, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("redis snapshot: %w", err)
	}
	if len(all) == 0 {
		return Snapshot{Planned: r.planned}, fmt.Errorf("redis snapshot: %s", errStateLost)
	}
	return r.parse(all)
}

func ttlSeconds(d time.Duration) int64 { return int64(d / time.Second) }

func (r *RedisStore) parse(m map[string]string) (Snapshot, error) {
	s := Snapshot{Planned: r.planned, Completed: m["completed"] == "1", FirstCheckDone: m["first_check"] == "1"}
	var err error
	if v := m["total"]; v != "" {
		if s.TotalBytes, err = strconv.ParseInt(v, 10, 64); err != nil {
			return s, fmt.Errorf("parse total: %w", err)
		}
	}
	if v := m["disconnects"]; v != "" {
		if s.Disconnects, err = strconv.Atoi(v); err != nil {
			return s, fmt.Errorf("parse disconnects: %w", err)
		}
	}
	return s, nil
}

// Close removes this instance's state and closes the client.
func (r *RedisStore) Close() error {
	r.stopMaintenance()
	<-r.maintenanceDone
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.client.Del(ctx, r.key).Err()
	return r.client.Close()
}
