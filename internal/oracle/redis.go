package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"compliance-custody/internal/compliance"
)

// RedisOptions configure the redis authorization store.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// Retention keeps expired records readable for this long after expiry.
	Retention time.Duration
}

// NewRedisClient dials redis and verifies connectivity.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Timestamps: registered_at is unix nanos kept as an opaque string, expires_at is unix
// millis so Lua can compare it as a number.
var registerScript = redis.NewScript(`
local now = tonumber(ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 1 then
  local f = redis.call('HMGET', KEYS[1], 'status', 'expires_at')
  if (f[1] == 'pending' or f[1] == 'approved') and tonumber(f[2]) > now then
    redis.call('HINCRBY', KEYS[1], 'pooled', 1)
    return redis.call('HMGET', KEYS[1], 'status', 'registered_at', 'expires_at', 'pooled')
  end
  redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1], 'status', 'pending', 'registered_at', ARGV[2], 'expires_at', ARGV[3], 'pooled', 1)
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
return {'pending', ARGV[2], ARGV[3], '1'}
`)

var decideScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'not_found'
end
local f = redis.call('HMGET', KEYS[1], 'status', 'expires_at')
if tonumber(f[2]) <= tonumber(ARGV[2]) then
  return 'expired'
end
if f[1] == 'pending' then
  redis.call('HSET', KEYS[1], 'status', ARGV[1])
end
return f[1]
`)

var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {'not_found', '0', '0', '0'}
end
local f = redis.call('HMGET', KEYS[1], 'status', 'registered_at', 'expires_at', 'pooled')
if tonumber(f[3]) <= tonumber(ARGV[1]) then
  return {'expired', f[2], f[3], f[4]}
end
if f[1] ~= 'approved' then
  return f
end
local left = redis.call('HINCRBY', KEYS[1], 'pooled', -1)
if left <= 0 then
  redis.call('DEL', KEYS[1])
end
return {'approved', f[2], f[3], f[4]}
`)

// RedisStore keeps authorization records as redis hashes.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "custody:auth:"
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

// Close releases the client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) key(fp compliance.Fingerprint) string {
	return s.prefix + fp.Hex()
}

func (s *RedisStore) Register(ctx context.Context, fp compliance.Fingerprint, now, expiresAt time.Time) (Record, error) {
	res, err := registerScript.Run(ctx, s.client, []string{s.key(fp)},
		now.UnixMilli(),
		strconv.FormatInt(now.UnixNano(), 10),
		expiresAt.UnixMilli(),
		expiresAt.Add(s.retention).UnixMilli(),
	).Slice()
	if err != nil {
		return Record{}, fmt.Errorf("register authorization: %w", err)
	}
	return parseRecord(fp, res)
}

func (s *RedisStore) Get(ctx context.Context, fp compliance.Fingerprint, now time.Time) (Record, error) {
	fields, err := s.client.HMGet(ctx, s.key(fp), "status", "registered_at", "expires_at", "pooled").Result()
	if err != nil {
		return Record{}, fmt.Errorf("get authorization: %w", err)
	}
	if fields[0] == nil {
		return Record{Fingerprint: fp, Status: compliance.StatusNotFound}, nil
	}
	rec, err := parseRecord(fp, fields)
	if err != nil {
		return Record{}, err
	}
	if !now.Before(rec.ExpiresAt) {
		rec.Status = compliance.StatusExpired
	}
	return rec, nil
}

func (s *RedisStore) Decide(ctx context.Context, fp compliance.Fingerprint, status compliance.Status, now time.Time) (compliance.Status, error) {
	prior, err := decideScript.Run(ctx, s.client, []string{s.key(fp)}, status.String(), now.UnixMilli()).Text()
	if err != nil {
		return compliance.StatusNotFound, fmt.Errorf("decide authorization: %w", err)
	}
	return compliance.ParseStatus(prior)
}

func (s *RedisStore) Consume(ctx context.Context, fp compliance.Fingerprint, now time.Time) (Record, compliance.Status, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(fp)}, now.UnixMilli()).Slice()
	if err != nil {
		return Record{}, compliance.StatusNotFound, fmt.Errorf("consume authorization: %w", err)
	}
	rec, err := parseRecord(fp, res)
	if err != nil {
		return Record{}, compliance.StatusNotFound, err
	}
	return rec, rec.Status, nil
}

func parseRecord(fp compliance.Fingerprint, fields []interface{}) (Record, error) {
	if len(fields) != 4 {
		return Record{}, fmt.Errorf("unexpected authorization payload of %d fields", len(fields))
	}
	str := make([]string, len(fields))
	for i, f := range fields {
		switch v := f.(type) {
		case string:
			str[i] = v
		case int64:
			str[i] = strconv.FormatInt(v, 10)
		case nil:
			str[i] = "0"
		default:
			return Record{}, fmt.Errorf("unexpected authorization field type %T", f)
		}
	}

	status, err := compliance.ParseStatus(str[0])
	if err != nil {
		return Record{}, err
	}
	registered, err := strconv.ParseInt(str[1], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse registered_at: %w", err)
	}
	expires, err := strconv.ParseInt(str[2], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse expires_at: %w", err)
	}
	pooled, err := strconv.ParseInt(str[3], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse pooled: %w", err)
	}

	rec := Record{Fingerprint: fp, Status: status, Pooled: pooled}
	if registered != 0 {
		rec.RegisteredAt = time.Unix(0, registered).UTC()
	}
	if expires != 0 {
		rec.ExpiresAt = time.UnixMilli(expires).UTC()
	}
	return rec, nil
}

var _ Store = (*RedisStore)(nil)
