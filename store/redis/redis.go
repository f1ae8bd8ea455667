// Package redis provides a Redis-backed credential store for tryonbroker.
//
// Credentials live in hashes and enabled credentials are indexed in a sorted
// set scored by balance. Reserve and Refund run as Lua scripts, so every
// debit is a single atomic step on the server and concurrent brokers can
// never overdraw a credential. Balances are kept as integer micro-credits.
// The usage ledger is a Redis stream.
//
// Reserve reads credential hashes whose names it derives inside the script,
// which Redis Cluster only permits when every key hashes to the same slot.
// Against a cluster, use a hash-tagged prefix such as "{tryonbroker}:".
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	tb "github.com/ineyio/tryonbroker"
)

// microScale is the number of decimal places kept for balances.
const microScale = 6

// Store is a Redis-backed CredentialStore, UsageLedger and CredentialRegistry.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
}

var (
	_ tb.CredentialStore    = (*Store)(nil)
	_ tb.UsageLedger        = (*Store)(nil)
	_ tb.CredentialRegistry = (*Store)(nil)
	_ tb.UsageReader        = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "tryonbroker:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed store.
// The client must be a connected *goredis.Client.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "tryonbroker:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect parses a redis:// URL and returns a connected client.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("tryonbroker/redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("tryonbroker/redis: ping: %w", err)
	}
	return client, nil
}

func (s *Store) credentialPrefix() string { return s.keyPrefix + "cred:" }
func (s *Store) balancesKey() string      { return s.keyPrefix + "balances" }
func (s *Store) usageKey() string         { return s.keyPrefix + "usage" }

func (s *Store) credentialKey(id string) string {
	return s.credentialPrefix() + id
}

// reserveScript picks the enabled credential with the largest balance that
// covers the cost and debits it.
// KEYS[1] = balances sorted set
// ARGV[1] = cost (micro-credits)
// ARGV[2] = now (unix milliseconds)
// ARGV[3] = credential hash key prefix
//
// Returns {id, secret}, or false if no credential is eligible.
var reserveScript = goredis.NewScript(`
local balances = KEYS[1]
local cost = ARGV[1]
local now = ARGV[2]
local prefix = ARGV[3]

local ids = redis.call("ZREVRANGEBYSCORE", balances, "+inf", cost)
for _, id in ipairs(ids) do
    local key = prefix .. id
    local secret = redis.call("HGET", key, "secret")
    if secret and secret ~= "" and redis.call("HGET", key, "enabled") == "1" then
        redis.call("HINCRBY", key, "credits", "-" .. cost)
        redis.call("HINCRBY", key, "usage_count", 1)
        redis.call("HSET", key, "last_used_at", now)
        redis.call("ZINCRBY", balances, "-" .. cost, id)
        return {id, secret}
    end
    -- Stale index entry.
    redis.call("ZREM", balances, id)
end
return false
`)

// refundScript adds the cost back to a credential.
// KEYS[1] = credential hash key
// KEYS[2] = balances sorted set
// ARGV[1] = cost (micro-credits)
// ARGV[2] = credential id
var refundScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return 0
end
local credits = redis.call("HINCRBY", key, "credits", ARGV[1])
if redis.call("HGET", key, "enabled") == "1" then
    redis.call("ZADD", KEYS[2], credits, ARGV[2])
end
return 1
`)

// seedScript creates a credential hash unless it already exists.
// KEYS[1] = credential hash key
// KEYS[2] = balances sorted set
// ARGV[1] = credential id
// ARGV[2] = secret
// ARGV[3] = credits (micro-credits)
// ARGV[4] = enabled ("1" or "0")
// ARGV[5] = usage count
// ARGV[6] = last used (unix milliseconds)
var seedScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
    return 0
end
redis.call("HSET", key,
    "secret", ARGV[2],
    "credits", ARGV[3],
    "enabled", ARGV[4],
    "usage_count", ARGV[5],
    "last_used_at", ARGV[6])
if ARGV[4] == "1" then
    redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
end
return 1
`)

// Reserve debits cost from the eligible credential with the largest balance.
func (s *Store) Reserve(ctx context.Context, cost decimal.Decimal) (tb.Lease, bool, error) {
	micros, err := toMicros(cost)
	if err != nil {
		return tb.Lease{}, false, err
	}

	res, err := reserveScript.Run(ctx, s.client,
		[]string{s.balancesKey()},
		micros, s.now().UTC().UnixMilli(), s.credentialPrefix(),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return tb.Lease{}, false, nil
	}
	if err != nil {
		return tb.Lease{}, false, fmt.Errorf("tryonbroker/redis: reserve: %w", err)
	}
	if len(res) != 2 {
		return tb.Lease{}, false, fmt.Errorf("tryonbroker/redis: unexpected reserve result: %v", len(res))
	}

	return tb.Lease{CredentialID: res[0], Secret: tb.Secret(strings.TrimSpace(res[1]))}, true, nil
}

// Refund adds cost back to a credential. Unknown ids are ignored.
func (s *Store) Refund(ctx context.Context, credentialID string, cost decimal.Decimal) error {
	micros, err := toMicros(cost)
	if err != nil {
		return err
	}
	_, err = refundScript.Run(ctx, s.client,
		[]string{s.credentialKey(credentialID), s.balancesKey()},
		micros, credentialID,
	).Result()
	if err != nil {
		return fmt.Errorf("tryonbroker/redis: refund: %w", err)
	}
	return nil
}

// credentialFields validates c and encodes the values stored in its hash.
func credentialFields(c tb.Credential) (micros int64, enabled string, lastUsed int64, err error) {
	if c.ID == "" {
		return 0, "", 0, fmt.Errorf("tryonbroker/redis: credential id is required")
	}
	if c.CreditsRemaining.IsNegative() {
		return 0, "", 0, fmt.Errorf("tryonbroker/redis: credential %s: negative balance", c.ID)
	}
	micros, err = toMicros(c.CreditsRemaining)
	if err != nil {
		return 0, "", 0, err
	}

	enabled = "0"
	if c.Enabled {
		enabled = "1"
	}
	if !c.LastUsedAt.IsZero() {
		lastUsed = c.LastUsedAt.UnixMilli()
	}
	return micros, enabled, lastUsed, nil
}

// PutCredential inserts or replaces a credential.
func (s *Store) PutCredential(ctx context.Context, c tb.Credential) error {
	micros, enabled, lastUsed, err := credentialFields(c)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.credentialKey(c.ID),
			"secret", string(c.Secret),
			"credits", micros,
			"enabled", enabled,
			"usage_count", c.UsageCount,
			"last_used_at", lastUsed,
		)
		if c.Enabled {
			pipe.ZAdd(ctx, s.balancesKey(), goredis.Z{Score: float64(micros), Member: c.ID})
		} else {
			pipe.ZRem(ctx, s.balancesKey(), c.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tryonbroker/redis: put credential: %w", err)
	}
	return nil
}

// SeedCredential creates c unless a credential with the same id exists.
func (s *Store) SeedCredential(ctx context.Context, c tb.Credential) (bool, error) {
	micros, enabled, lastUsed, err := credentialFields(c)
	if err != nil {
		return false, err
	}

	created, err := seedScript.Run(ctx, s.client,
		[]string{s.credentialKey(c.ID), s.balancesKey()},
		c.ID, string(c.Secret), micros, enabled, c.UsageCount, lastUsed,
	).Int()
	if err != nil {
		return false, fmt.Errorf("tryonbroker/redis: seed credential: %w", err)
	}
	return created == 1, nil
}

// ListCredentials returns all credentials ordered by id.
func (s *Store) ListCredentials(ctx context.Context) ([]tb.Credential, error) {
	var creds []tb.Credential

	iter := s.client.Scan(ctx, 0, s.credentialPrefix()+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("tryonbroker/redis: list credentials: %w", err)
		}
		if len(vals) == 0 {
			continue
		}
		creds = append(creds, parseCredential(strings.TrimPrefix(key, s.credentialPrefix()), vals))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("tryonbroker/redis: list credentials: %w", err)
	}

	sort.Slice(creds, func(i, j int) bool { return creds[i].ID < creds[j].ID })
	return creds, nil
}

// Append adds a usage record to the ledger stream.
func (s *Store) Append(ctx context.Context, rec tb.UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	err := s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.usageKey(),
		Values: map[string]any{
			"id":            rec.ID,
			"requestor_id":  rec.RequestorID,
			"credential_id": rec.CredentialID,
			"cost":          rec.Cost.String(),
			"at":            rec.Timestamp.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("tryonbroker/redis: append usage: %w", err)
	}
	return nil
}

// UsageRecords reads the whole usage ledger in append order.
func (s *Store) UsageRecords(ctx context.Context) ([]tb.UsageRecord, error) {
	msgs, err := s.client.XRange(ctx, s.usageKey(), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("tryonbroker/redis: read usage: %w", err)
	}

	recs := make([]tb.UsageRecord, 0, len(msgs))
	for _, m := range msgs {
		rec := tb.UsageRecord{
			ID:           fmt.Sprint(m.Values["id"]),
			RequestorID:  fmt.Sprint(m.Values["requestor_id"]),
			CredentialID: fmt.Sprint(m.Values["credential_id"]),
		}
		rec.Cost, _ = decimal.NewFromString(fmt.Sprint(m.Values["cost"]))
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, fmt.Sprint(m.Values["at"]))
		recs = append(recs, rec)
	}
	return recs, nil
}

func parseCredential(id string, vals map[string]string) tb.Credential {
	micros, _ := strconv.ParseInt(vals["credits"], 10, 64)
	usage, _ := strconv.ParseInt(vals["usage_count"], 10, 64)
	lastUsed, _ := strconv.ParseInt(vals["last_used_at"], 10, 64)

	c := tb.Credential{
		ID:               id,
		Secret:           tb.Secret(vals["secret"]),
		CreditsRemaining: fromMicros(micros),
		Enabled:          vals["enabled"] == "1",
		UsageCount:       usage,
	}
	if lastUsed > 0 {
		c.LastUsedAt = time.UnixMilli(lastUsed).UTC()
	}
	return c
}

func toMicros(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(microScale)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("tryonbroker/redis: %s has more than %d decimal places", d, microScale)
	}
	return shifted.IntPart(), nil
}

func fromMicros(v int64) decimal.Decimal {
	return decimal.New(v, -microScale)
}
