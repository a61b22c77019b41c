package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/credledger/internal"
	"github.com/MrEthical07/credledger/reset"
	"github.com/redis/go-redis/v9"
)

const (
	claimStatusNotFound int64 = 0
	claimStatusClaimed  int64 = 1
	claimStatusRedeemed int64 = 2
	claimStatusExpired  int64 = 3
)

const createResetScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "uid", ARGV[2], "hash", ARGV[3], "cat", ARGV[4], "exp", ARGV[5], "red", "")
redis.call("PEXPIRE", KEYS[1], ARGV[6])
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[6])
return 1
`

// claimResetScript checks and redeems in one step.
// Reply: {status, id, uid, cat, exp, red_before}.
const claimResetScript = `
local id = redis.call("GET", KEYS[1])
if not id then
  return {0}
end
local rec_key = ARGV[2] .. ":pr:" .. id
local f = redis.call("HMGET", rec_key, "uid", "cat", "exp", "red")
if not f[1] then
  return {0}
end
local cat, exp, red = f[2] or "0", f[3] or "0", f[4] or ""
if red ~= "" then
  return {2, id, f[1], cat, exp, red}
end
if tonumber(ARGV[1]) >= tonumber(exp) then
  return {3, id, f[1], cat, exp, red}
end
redis.call("HSET", rec_key, "red", ARGV[1])
return {1, id, f[1], cat, exp, red}
`

const releaseResetScript = `
local red = redis.call("HGET", KEYS[1], "red")
if red and red ~= "" and red == ARGV[1] then
  redis.call("HSET", KEYS[1], "red", "")
  return 1
end
return 0
`

const pruneResetScript = `
local f = redis.call("HMGET", KEYS[1], "hash", "exp")
if not f[1] or not f[2] then
  return 0
end
if tonumber(f[2]) > tonumber(ARGV[1]) then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("DEL", ARGV[2] .. ":prh:" .. f[1])
return 1
`

var (
	createResetLua  = redis.NewScript(createResetScript)
	claimResetLua   = redis.NewScript(claimResetScript)
	releaseResetLua = redis.NewScript(releaseResetScript)
	pruneResetLua   = redis.NewScript(pruneResetScript)
)

// ResetStore is a reset.Store on Redis.
type ResetStore struct {
	redis  redis.UniversalClient
	prefix string
	retain time.Duration
}

var _ reset.Store = (*ResetStore)(nil)

// NewResetStore returns a ResetStore using client.
func NewResetStore(client redis.UniversalClient, opts Options) *ResetStore {
	opts = opts.withDefaults()
	return &ResetStore{redis: client, prefix: opts.Prefix, retain: opts.RetainExpired}
}

func (s *ResetStore) recordKey(id string) string {
	return s.prefix + ":pr:" + id
}

func (s *ResetStore) hashKey(hash [32]byte) string {
	return s.prefix + ":prh:" + internal.HashHex(hash)
}

func resetUnavailable(err error) error {
	return fmt.Errorf("%w: %v", reset.ErrStoreUnavailable, err)
}

func (s *ResetStore) Create(ctx context.Context, rec reset.Record) error {
	created, err := createResetLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(rec.ID), s.hashKey(rec.SecretHash)},
		rec.ID,
		rec.IdentityID,
		internal.HashHex(rec.SecretHash),
		ms(rec.CreatedAt),
		ms(rec.ExpiresAt),
		keyTTL(rec.ExpiresAt, rec.CreatedAt, s.retain),
	).Int64()
	if err != nil {
		return resetUnavailable(err)
	}
	if created == 0 {
		return reset.ErrDuplicate
	}
	return nil
}

func (s *ResetStore) Claim(ctx context.Context, hash [32]byte, now time.Time) (reset.Record, error) {
	result, err := claimResetLua.Run(ctx, s.redis, []string{s.hashKey(hash)}, ms(now), s.prefix).Result()
	if err != nil {
		return reset.Record{}, resetUnavailable(err)
	}

	code, fields, err := scriptReply(result)
	if err != nil {
		return reset.Record{}, resetUnavailable(err)
	}
	if code == claimStatusNotFound {
		return reset.Record{}, reset.ErrInvalid
	}
	if len(fields) != 5 {
		return reset.Record{}, resetUnavailable(errors.New("short claim reply"))
	}

	rec, err := resetFromFields(fields[0], fields[1], hash, fields[2], fields[3], fields[4])
	if err != nil {
		return reset.Record{}, resetUnavailable(err)
	}

	switch code {
	case claimStatusClaimed:
		return rec, nil
	case claimStatusRedeemed:
		return rec, reset.ErrAlreadyRedeemed
	case claimStatusExpired:
		return rec, reset.ErrExpired
	default:
		return reset.Record{}, resetUnavailable(fmt.Errorf("unknown claim status %d", code))
	}
}

func (s *ResetStore) Release(ctx context.Context, id string, claimedAt time.Time) (bool, error) {
	released, err := releaseResetLua.Run(ctx, s.redis, []string{s.recordKey(id)}, ms(claimedAt)).Int64()
	if err != nil {
		return false, resetUnavailable(err)
	}
	return released == 1, nil
}

func (s *ResetStore) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	pruned := 0
	iter := s.redis.Scan(ctx, 0, s.prefix+":pr:*", pruneScanCount).Iterator()
	for iter.Next(ctx) {
		deleted, err := pruneResetLua.Run(ctx, s.redis, []string{iter.Val()}, ms(before), s.prefix).Int64()
		if err != nil {
			return pruned, resetUnavailable(err)
		}
		pruned += int(deleted)
	}
	if err := iter.Err(); err != nil {
		return pruned, resetUnavailable(err)
	}
	return pruned, nil
}

func resetFromFields(id, uid string, hash [32]byte, cat, exp, red string) (reset.Record, error) {
	createdAt, err := parseMillis(cat)
	if err != nil {
		return reset.Record{}, err
	}
	expiresAt, err := parseMillis(exp)
	if err != nil {
		return reset.Record{}, err
	}
	redeemedAt, err := parseOptionalMillis(red)
	if err != nil {
		return reset.Record{}, err
	}

	return reset.Record{
		ID:         id,
		IdentityID: uid,
		SecretHash: hash,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
		RedeemedAt: redeemedAt,
	}, nil
}
