package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"castellan/core"
	"castellan/util/goroutine"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// RedisConfig configures a RedisStore
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	PoolSize   int    `mapstructure:"pool_size"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	InstanceID string `mapstructure:"instance_id"`
	// TombstoneTTL bounds how long the version counter of a deleted or
	// expired key is kept. Zero keeps it forever.
	TombstoneTTL       time.Duration `mapstructure:"tombstone_ttl"`
	NotificationBuffer int           `mapstructure:"notification_buffer"`
}

// Hash fields of a stored entry
const (
	fieldValue    = "v"
	fieldVersion  = "ver"
	fieldBy       = "by"
	fieldCreated  = "c"
	fieldModified = "m"
	fieldExpires  = "e"
)

// writeScript performs set, try and cas writes atomically on the server.
// KEYS: entry hash, version counter
// ARGV: value, modified_by, now, ttl_ms, expires, mode, expected, tombstone_ms
// Returns {1, version, created} on write or {0, current_version} when the
// try or cas precondition fails. A failed cas on an absent key also returns
// the version counter: {0, 0, tombstone_version}.
var writeScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1]) == 1
local mode = ARGV[6]
local cur = '0'
if exists then cur = redis.call('HGET', KEYS[1], 'ver') end
if mode == 'try' and exists then
  return {0, cur}
end
if mode == 'cas' and cur ~= ARGV[7] then
  if not exists then return {0, cur, redis.call('GET', KEYS[2]) or '0'} end
  return {0, cur}
end
local created = ARGV[3]
if exists then created = redis.call('HGET', KEYS[1], 'c') end
local ver = redis.call('INCR', KEYS[2])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'ver', ver, 'by', ARGV[2], 'c', created, 'm', ARGV[3], 'e', ARGV[5])
local ttl = tonumber(ARGV[4])
local tomb = tonumber(ARGV[8])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  if tomb > 0 then redis.call('PEXPIRE', KEYS[2], ttl + tomb) end
else
  redis.call('PERSIST', KEYS[2])
end
return {1, tostring(ver), created}
`)

// batchScript writes every pair atomically.
// KEYS: hash1, counter1, hash2, counter2, ...
// ARGV: modified_by, now, ttl_ms, expires, tombstone_ms, value1, value2, ...
// Returns {version1, created1, version2, created2, ...}
var batchScript = redis.NewScript(`
local out = {}
local ttl = tonumber(ARGV[3])
local tomb = tonumber(ARGV[5])
for i = 1, #KEYS, 2 do
  local h = KEYS[i]
  local c = KEYS[i + 1]
  local created = ARGV[2]
  if redis.call('EXISTS', h) == 1 then created = redis.call('HGET', h, 'c') end
  local ver = redis.call('INCR', c)
  redis.call('DEL', h)
  redis.call('HSET', h, 'v', ARGV[5 + (i + 1) / 2], 'ver', ver, 'by', ARGV[1], 'c', created, 'm', ARGV[2], 'e', ARGV[4])
  if ttl > 0 then
    redis.call('PEXPIRE', h, ttl)
    if tomb > 0 then redis.call('PEXPIRE', c, ttl + tomb) end
  else
    redis.call('PERSIST', c)
  end
  table.insert(out, tostring(ver))
  table.insert(out, created)
end
return out
`)

// deleteScript removes the entry hash and keeps its counter as a tombstone.
// KEYS: entry hash, version counter. ARGV: tombstone_ms. Returns the deleted
// version or 0.
var deleteScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local ver = redis.call('HGET', KEYS[1], 'ver')
redis.call('DEL', KEYS[1])
local tomb = tonumber(ARGV[1])
if tomb > 0 then redis.call('PEXPIRE', KEYS[2], tomb) end
return tonumber(ver)
`)

// RedisStore is a Store shared by every instance connected to the same Redis.
// Version checks run server side in Lua, and changes fan out over Pub/Sub so
// every instance's subscribers see every write.
type RedisStore struct {
	cfg    RedisConfig
	client redis.UniversalClient
	owned  bool
	logger *zap.SugaredLogger

	pubsub *redis.PubSub
	bus    *changeBus
	stats  counters

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRedisStore connects to Redis and subscribes to the change channel
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *zap.SugaredLogger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	s, err := NewRedisStoreWithClient(ctx, client, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient uses an existing client. The caller keeps ownership
// of the client.
func NewRedisStoreWithClient(ctx context.Context, client redis.UniversalClient, cfg RedisConfig, logger *zap.SugaredLogger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "castellan:state:"
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, core.TransientError("connect redis", err)
	}

	s := &RedisStore{
		cfg:    cfg,
		client: client,
		logger: logger,
		bus:    newChangeBus("state-redis", cfg.NotificationBuffer, logger),
	}

	s.pubsub = client.Subscribe(ctx, s.channel())
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		s.bus.close()
		return nil, core.TransientError("subscribe redis", err)
	}
	goroutine.Go(&s.wg, "state-redis-pubsub", logger, s.receive)

	logger.Infow("Redis shared state connected", "prefix", cfg.KeyPrefix)
	return s, nil
}

func (s *RedisStore) channel() string      { return s.cfg.KeyPrefix + "changes" }
func (s *RedisStore) hashKey(k string) string { return s.cfg.KeyPrefix + "k:" + k }
func (s *RedisStore) verKey(k string) string  { return s.cfg.KeyPrefix + "v:" + k }

func (s *RedisStore) receive() {
	for msg := range s.pubsub.Channel() {
		var ev ChangeEvent
		if err := msgpack.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.logger.Warnw("Dropping malformed state change notification", "error", err)
			continue
		}
		s.bus.publishChange(ev)
	}
}

func (s *RedisStore) announce(ctx context.Context, ev ChangeEvent) {
	payload, err := msgpack.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, s.channel(), payload).Err(); err != nil {
		s.logger.Warnw("Failed to publish state change", "key", ev.Key, "error", err)
	}
}

func (s *RedisStore) tombstoneMillis() int64 {
	return s.cfg.TombstoneTTL.Milliseconds()
}

func nanos(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toUint64(v interface{}) uint64 {
	switch x := v.(type) {
	case int64:
		return uint64(x)
	case string:
		n, _ := strconv.ParseUint(x, 10, 64)
		return n
	}
	return 0
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return ""
}

func redisErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return core.TransientError(op, err)
}

// Get returns the live entry for key
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := validateKey("get", key); err != nil {
		return nil, err
	}
	s.stats.gets.Add(1)
	fields, err := s.client.HGetAll(ctx, s.hashKey(key)).Result()
	if err != nil {
		s.stats.op("get", false)
		return nil, redisErr("get", err)
	}
	s.stats.op("get", true)
	if len(fields) == 0 {
		return nil, core.ErrKeyNotFound
	}
	e, err := entryFromHash(key, fields)
	if err != nil {
		return nil, err
	}
	if e.Expired(time.Now()) {
		return nil, core.ErrKeyNotFound
	}
	return e, nil
}

func entryFromHash(key string, fields map[string]string) (*Entry, error) {
	ver, err := strconv.ParseUint(fields[fieldVersion], 10, 64)
	if err != nil {
		return nil, core.FatalError("decode "+key, fmt.Errorf("%w: bad version %q", core.ErrStateCorrupted, fields[fieldVersion]))
	}
	return &Entry{
		Key:        key,
		Value:      []byte(fields[fieldValue]),
		Version:    ver,
		ModifiedBy: fields[fieldBy],
		CreatedAt:  parseNanos(fields[fieldCreated]),
		ModifiedAt: parseNanos(fields[fieldModified]),
		ExpiresAt:  parseNanos(fields[fieldExpires]),
	}, nil
}

func (s *RedisStore) write(ctx context.Context, op, mode, key string, expected uint64, value interface{}, opts []SetOption) (*Entry, bool, uint64, error) {
	if err := validateKey(op, key); err != nil {
		return nil, false, 0, err
	}
	data, err := Encode(value)
	if err != nil {
		return nil, false, 0, err
	}
	o := applyOptions(s.cfg.InstanceID, opts)
	now := time.Now().UTC()
	var expires time.Time
	if o.ttl > 0 {
		expires = now.Add(o.ttl)
	}

	start := time.Now()
	res, err := writeScript.Run(ctx, s.client,
		[]string{s.hashKey(key), s.verKey(key)},
		data, o.modifiedBy, nanos(now), o.ttl.Milliseconds(), nanos(expires),
		mode, strconv.FormatUint(expected, 10), s.tombstoneMillis(),
	).Slice()
	s.stats.observeSync(time.Since(start))
	if err != nil {
		s.stats.op(op, false)
		return nil, false, 0, redisErr(op, err)
	}
	s.stats.op(op, true)

	if len(res) < 2 {
		return nil, false, 0, core.FatalError(op, fmt.Errorf("%w: unexpected script reply", core.ErrStateCorrupted))
	}
	if toUint64(res[0]) == 0 {
		actual := toUint64(res[1])
		if len(res) > 2 {
			actual = toUint64(res[2])
		}
		return nil, false, actual, nil
	}

	e := &Entry{
		Key:        key,
		Value:      data,
		Version:    toUint64(res[1]),
		ModifiedBy: o.modifiedBy,
		ModifiedAt: now,
		ExpiresAt:  expires,
	}
	if len(res) > 2 {
		e.CreatedAt = parseNanos(toString(res[2]))
	}
	s.stats.sets.Add(1)
	s.announce(ctx, setEvent(e))
	return e, true, e.Version, nil
}

// Set writes value unconditionally
func (s *RedisStore) Set(ctx context.Context, key string, value interface{}, opts ...SetOption) (*Entry, error) {
	e, _, _, err := s.write(ctx, "set", "set", key, 0, value, opts)
	return e, err
}

// TrySet inserts value only when key is absent
func (s *RedisStore) TrySet(ctx context.Context, key string, value interface{}, opts ...SetOption) (*Entry, bool, error) {
	e, ok, _, err := s.write(ctx, "try_set", "try", key, 0, value, opts)
	if err != nil || ok {
		return e, ok, err
	}
	cur, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return cur, false, nil
}

// CompareAndSwap writes value when the stored version equals expected
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected uint64, value interface{}, opts ...SetOption) (*Entry, bool, error) {
	e, ok, actual, err := s.write(ctx, "cas", "cas", key, expected, value, opts)
	if err != nil {
		return nil, false, err
	}
	if ok {
		s.stats.casSuccesses.Add(1)
		return e, true, nil
	}

	rejected, _ := Encode(value)
	ev := ConflictEvent{
		Key:             key,
		ExpectedVersion: expected,
		ActualVersion:   actual,
		CompetingValues: [][]byte{rejected},
	}
	cur, err := s.Get(ctx, key)
	switch {
	case err == nil:
		ev.CompetingValues = append(ev.CompetingValues, cur.Value)
		ev.Winner = cur.ModifiedBy
		ev.ActualVersion = cur.Version
		ev.Resolved = true
	case errors.Is(err, core.ErrKeyNotFound):
		// the key is gone; the stale write loses to its tombstone
		ev.Winner = TombstoneWinner
		ev.Resolved = true
	}
	s.stats.conflict(s.bus, ev)
	s.logger.Debugw("Compare-and-swap conflict",
		"key", key,
		"expected_version", expected,
		"actual_version", actual)
	return nil, false, nil
}

// Delete removes key, keeping its version counter as a tombstone
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := validateKey("delete", key); err != nil {
		return false, err
	}
	ver, err := deleteScript.Run(ctx, s.client,
		[]string{s.hashKey(key), s.verKey(key)}, s.tombstoneMillis()).Int64()
	if err != nil {
		s.stats.op("delete", false)
		return false, redisErr("delete", err)
	}
	s.stats.op("delete", true)
	if ver == 0 {
		return false, nil
	}
	s.stats.deletes.Add(1)
	s.announce(ctx, ChangeEvent{
		Type:       ChangeDelete,
		Key:        key,
		Version:    uint64(ver),
		ModifiedBy: s.cfg.InstanceID,
		Timestamp:  time.Now().UTC(),
	})
	return true, nil
}

// GetBatch reads keys in one pipeline
func (s *RedisStore) GetBatch(ctx context.Context, keys []string) (map[string]*Entry, error) {
	for _, key := range keys {
		if err := validateKey("get_batch", key); err != nil {
			return nil, err
		}
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = p.HGetAll(ctx, s.hashKey(key))
		}
		return nil
	})
	if err != nil {
		return nil, redisErr("get_batch", err)
	}
	s.stats.gets.Add(uint64(len(keys)))

	now := time.Now()
	out := make(map[string]*Entry, len(keys))
	for i, key := range keys {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		e, err := entryFromHash(key, fields)
		if err != nil {
			return nil, err
		}
		if !e.Expired(now) {
			out[key] = e
		}
	}
	return out, nil
}

// SetBatch writes every item in a single atomic script call
func (s *RedisStore) SetBatch(ctx context.Context, items map[string]interface{}, opts ...SetOption) (map[string]*Entry, error) {
	keys := make([]string, 0, len(items))
	for key := range items {
		if err := validateKey("set_batch", key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	values := make([][]byte, len(keys))
	for i, key := range keys {
		data, err := Encode(items[key])
		if err != nil {
			return nil, err
		}
		values[i] = data
	}
	if len(keys) == 0 {
		return map[string]*Entry{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o := applyOptions(s.cfg.InstanceID, opts)
	now := time.Now().UTC()
	var expires time.Time
	if o.ttl > 0 {
		expires = now.Add(o.ttl)
	}

	redisKeys := make([]string, 0, 2*len(keys))
	for _, key := range keys {
		redisKeys = append(redisKeys, s.hashKey(key), s.verKey(key))
	}
	args := make([]interface{}, 0, 5+len(values))
	args = append(args, o.modifiedBy, nanos(now), o.ttl.Milliseconds(), nanos(expires), s.tombstoneMillis())
	for _, v := range values {
		args = append(args, v)
	}

	start := time.Now()
	res, err := batchScript.Run(ctx, s.client, redisKeys, args...).Slice()
	s.stats.observeSync(time.Since(start))
	if err != nil {
		s.stats.op("set_batch", false)
		return nil, redisErr("set_batch", err)
	}
	if len(res) != 2*len(keys) {
		return nil, core.FatalError("set_batch", fmt.Errorf("%w: unexpected script reply", core.ErrStateCorrupted))
	}
	s.stats.op("set_batch", true)

	out := make(map[string]*Entry, len(keys))
	for i, key := range keys {
		e := &Entry{
			Key:        key,
			Value:      values[i],
			Version:    toUint64(res[2*i]),
			ModifiedBy: o.modifiedBy,
			CreatedAt:  parseNanos(toString(res[2*i+1])),
			ModifiedAt: now,
			ExpiresAt:  expires,
		}
		out[key] = e
		s.announce(ctx, setEvent(e))
	}
	s.stats.sets.Add(uint64(len(keys)))
	return out, nil
}

// GetKeys scans for keys matching pattern
func (s *RedisStore) GetKeys(ctx context.Context, pattern string) ([]string, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	prefix := s.hashKey("")
	keys := make([]string, 0)
	iter := s.client.Scan(ctx, 0, prefix+pattern, 256).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), prefix)
		if matchKey(pattern, key) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, redisErr("get_keys", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// SubscribeToChanges delivers changes made by any instance to keys matching pattern
func (s *RedisStore) SubscribeToChanges(pattern string, fn func(ChangeEvent)) (Subscription, error) {
	return s.bus.subscribe(pattern, fn)
}

// OnConflict registers an observer for conflicts lost by this instance
func (s *RedisStore) OnConflict(fn func(ConflictEvent)) func() {
	return s.bus.conflicts.Subscribe(fn)
}

// GetMetrics scans the keyspace for entry count and value bytes
func (s *RedisStore) GetMetrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	prefix := s.hashKey("")

	var hashKeys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 512).Iterator()
	for iter.Next(ctx) {
		hashKeys = append(hashKeys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return m, redisErr("metrics", err)
	}

	if len(hashKeys) > 0 {
		cmds := make([]*redis.IntCmd, len(hashKeys))
		_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, k := range hashKeys {
				cmds[i] = p.HStrLen(ctx, k, fieldValue)
			}
			return nil
		})
		if err != nil {
			return m, redisErr("metrics", err)
		}
		for i, k := range hashKeys {
			m.MemoryBytes += int64(len(k)) + cmds[i].Val() + entryOverhead
		}
	}
	m.EntryCount = len(hashKeys)
	s.stats.fill(&m)
	m.Subscriptions = s.bus.subscriptionCount()
	return m, nil
}

// IsHealthy pings Redis and applies Metrics.Healthy
func (s *RedisStore) IsHealthy(ctx context.Context) bool {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false
	}
	m, err := s.GetMetrics(ctx)
	return err == nil && m.Healthy()
}

// Gauges adapts GetMetrics for the component collector
func (s *RedisStore) Gauges() map[string]float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := s.GetMetrics(ctx)
	if err != nil {
		return map[string]float64{"up": 0}
	}
	g := m.Gauges()
	g["up"] = 1
	return g
}

// Close unsubscribes and, when the store created the client, closes it
func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
		s.wg.Wait()
		s.bus.close()
		if s.owned {
			if cerr := s.client.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

var _ Store = (*RedisStore)(nil)
