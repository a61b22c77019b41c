package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/credledger/internal"
	"github.com/MrEthical07/credledger/refresh"
	"github.com/redis/go-redis/v9"
)

const (
	rotateStatusNotFound  int64 = 0
	rotateStatusRotated   int64 = 1
	rotateStatusRevoked   int64 = 2
	rotateStatusReuse     int64 = 3
	rotateStatusExpired   int64 = 4
	rotateStatusDuplicate int64 = 5
)

const createRefreshScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "uid", ARGV[2], "hash", ARGV[3], "cat", ARGV[4], "exp", ARGV[5], "rev", "", "next", "")
redis.call("PEXPIRE", KEYS[1], ARGV[6])
redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[6])
redis.call("SADD", KEYS[3], ARGV[1])
if redis.call("PTTL", KEYS[3]) < tonumber(ARGV[6]) then
  redis.call("PEXPIRE", KEYS[3], ARGV[6])
end
return 1
`

// rotateRefreshScript implements the whole rotation state machine. On
// success every ancestor reachable through "prev" has its keys extended to
// the successor's key TTL, so a replayed ancestor is still found as rotated
// while the chain is alive.
// KEYS[1] hash index of the presented token.
// ARGV: now, next id, next hash, next created, next expires, prefix, next key ttl.
// Reply: {status, id, uid, cat, exp, rev, next, chain_revoked}.
const rotateRefreshScript = `
local prefix = ARGV[6]
local id = redis.call("GET", KEYS[1])
if not id then
  return {0}
end
local rec_key = prefix .. ":rt:" .. id
local f = redis.call("HMGET", rec_key, "uid", "cat", "exp", "rev", "next")
if not f[1] then
  return {0}
end
local uid, cat, exp = f[1], f[2] or "0", f[3] or "0"
local rev, nxt = f[4] or "", f[5] or ""

if rev ~= "" then
  if nxt == "" then
    return {2, id, uid, cat, exp, rev, nxt, 0}
  end
  local revoked = 0
  local seen = {}
  local cur = nxt
  while cur ~= "" and not seen[cur] do
    seen[cur] = true
    local cur_key = prefix .. ":rt:" .. cur
    local cf = redis.call("HMGET", cur_key, "rev", "next")
    if not cf[1] then
      break
    end
    if cf[1] == "" then
      redis.call("HSET", cur_key, "rev", ARGV[1])
      revoked = revoked + 1
    end
    cur = cf[2] or ""
  end
  return {3, id, uid, cat, exp, rev, nxt, revoked}
end

if tonumber(ARGV[1]) >= tonumber(exp) then
  return {4, id, uid, cat, exp, rev, nxt, 0}
end

local next_key = prefix .. ":rt:" .. ARGV[2]
local next_idx = prefix .. ":rth:" .. ARGV[3]
if redis.call("EXISTS", next_key) == 1 or redis.call("EXISTS", next_idx) == 1 then
  return {5}
end

redis.call("HSET", rec_key, "rev", ARGV[1], "next", ARGV[2])
redis.call("HSET", next_key, "id", ARGV[2], "uid", uid, "hash", ARGV[3], "cat", ARGV[4], "exp", ARGV[5], "rev", "", "next", "", "prev", id)
redis.call("PEXPIRE", next_key, ARGV[7])
redis.call("SET", next_idx, ARGV[2], "PX", ARGV[7])

local ttl = tonumber(ARGV[7])
local anc = id
local visited = {}
while anc and anc ~= "" and not visited[anc] do
  visited[anc] = true
  local anc_key = prefix .. ":rt:" .. anc
  local af = redis.call("HMGET", anc_key, "hash", "prev")
  if not af[1] then
    break
  end
  if redis.call("PTTL", anc_key) < ttl then
    redis.call("PEXPIRE", anc_key, ttl)
  end
  local anc_idx = prefix .. ":rth:" .. af[1]
  if redis.call("PTTL", anc_idx) < ttl then
    redis.call("PEXPIRE", anc_idx, ttl)
  end
  anc = af[2]
end
local user_key = prefix .. ":rtu:" .. uid
redis.call("SADD", user_key, ARGV[2])
if redis.call("PTTL", user_key) < tonumber(ARGV[7]) then
  redis.call("PEXPIRE", user_key, ARGV[7])
end
return {1, id, uid, cat, exp, rev, nxt, 0}
`

const revokeRefreshByIDScript = `
local rev = redis.call("HGET", KEYS[1], "rev")
if not rev then
  return -1
end
if rev ~= "" then
  return 0
end
redis.call("HSET", KEYS[1], "rev", ARGV[1])
return 1
`

const revokeRefreshByHashScript = `
local id = redis.call("GET", KEYS[1])
if not id then
  return -1
end
local rec_key = ARGV[2] .. ":rt:" .. id
local rev = redis.call("HGET", rec_key, "rev")
if not rev then
  return -1
end
if rev ~= "" then
  return 0
end
redis.call("HSET", rec_key, "rev", ARGV[1])
return 1
`

const revokeRefreshIdentityScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local revoked = 0
for _, id in ipairs(ids) do
  local rec_key = ARGV[2] .. ":rt:" .. id
  local rev = redis.call("HGET", rec_key, "rev")
  if not rev then
    redis.call("SREM", KEYS[1], id)
  elseif rev == "" then
    redis.call("HSET", rec_key, "rev", ARGV[1])
    revoked = revoked + 1
  end
end
return revoked
`

const pruneRefreshScript = `
local f = redis.call("HMGET", KEYS[1], "id", "uid", "hash", "exp")
if not f[1] or not f[2] or not f[3] or not f[4] then
  return 0
end
if tonumber(f[4]) > tonumber(ARGV[1]) then
  return 0
end
local nxt = redis.call("HGET", KEYS[1], "next")
if nxt and nxt ~= "" and redis.call("EXISTS", ARGV[2] .. ":rt:" .. nxt) == 1 then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("DEL", ARGV[2] .. ":rth:" .. f[3])
redis.call("SREM", ARGV[2] .. ":rtu:" .. f[2], f[1])
return 1
`

var (
	createRefreshLua         = redis.NewScript(createRefreshScript)
	rotateRefreshLua         = redis.NewScript(rotateRefreshScript)
	revokeRefreshByIDLua     = redis.NewScript(revokeRefreshByIDScript)
	revokeRefreshByHashLua   = redis.NewScript(revokeRefreshByHashScript)
	revokeRefreshIdentityLua = redis.NewScript(revokeRefreshIdentityScript)
	pruneRefreshLua          = redis.NewScript(pruneRefreshScript)
)

// RefreshStore is a refresh.Store on Redis.
type RefreshStore struct {
	redis  redis.UniversalClient
	prefix string
	retain time.Duration
}

var _ refresh.Store = (*RefreshStore)(nil)

// NewRefreshStore returns a RefreshStore using client.
func NewRefreshStore(client redis.UniversalClient, opts Options) *RefreshStore {
	opts = opts.withDefaults()
	return &RefreshStore{redis: client, prefix: opts.Prefix, retain: opts.RetainExpired}
}

func (s *RefreshStore) recordKey(id string) string {
	return s.prefix + ":rt:" + id
}

func (s *RefreshStore) hashKey(hash [32]byte) string {
	return s.prefix + ":rth:" + internal.HashHex(hash)
}

func (s *RefreshStore) identityKey(identityID string) string {
	return s.prefix + ":rtu:" + identityID
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", refresh.ErrStoreUnavailable, err)
}

// Create implements refresh.Store.
func (s *RefreshStore) Create(ctx context.Context, rec refresh.Record) error {
	created, err := createRefreshLua.Run(
		ctx,
		s.redis,
		[]string{s.recordKey(rec.ID), s.hashKey(rec.SecretHash), s.identityKey(rec.IdentityID)},
		rec.ID,
		rec.IdentityID,
		internal.HashHex(rec.SecretHash),
		ms(rec.CreatedAt),
		ms(rec.ExpiresAt),
		keyTTL(rec.ExpiresAt, rec.CreatedAt, s.retain),
	).Int64()
	if err != nil {
		return unavailable(err)
	}
	if created == 0 {
		return refresh.ErrDuplicate
	}
	return nil
}

// Rotate implements refresh.Store with one script invocation.
func (s *RefreshStore) Rotate(ctx context.Context, presented [32]byte, next refresh.Record, now time.Time) (refresh.RotateResult, error) {
	result, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{s.hashKey(presented)},
		ms(now),
		next.ID,
		internal.HashHex(next.SecretHash),
		ms(next.CreatedAt),
		ms(next.ExpiresAt),
		s.prefix,
		keyTTL(next.ExpiresAt, now, s.retain),
	).Result()
	if err != nil {
		return refresh.RotateResult{}, unavailable(err)
	}

	code, fields, err := scriptReply(result)
	if err != nil {
		return refresh.RotateResult{}, unavailable(err)
	}

	var outcome refresh.Outcome
	switch code {
	case rotateStatusNotFound:
		return refresh.RotateResult{Outcome: refresh.OutcomeNotFound}, nil
	case rotateStatusDuplicate:
		return refresh.RotateResult{}, refresh.ErrDuplicate
	case rotateStatusRotated:
		outcome = refresh.OutcomeRotated
	case rotateStatusRevoked:
		outcome = refresh.OutcomeRevoked
	case rotateStatusReuse:
		outcome = refresh.OutcomeReuseDetected
	case rotateStatusExpired:
		outcome = refresh.OutcomeExpired
	default:
		return refresh.RotateResult{}, unavailable(fmt.Errorf("unknown rotate status %d", code))
	}

	if len(fields) != 7 {
		return refresh.RotateResult{}, unavailable(errors.New("short rotate reply"))
	}
	presentedRec, err := recordFromFields(fields[0], fields[1], presented, fields[2], fields[3], fields[4], fields[5])
	if err != nil {
		return refresh.RotateResult{}, unavailable(err)
	}
	chain, err := strconv.Atoi(fields[6])
	if err != nil {
		return refresh.RotateResult{}, unavailable(err)
	}

	return refresh.RotateResult{Outcome: outcome, Presented: presentedRec, ChainRevoked: chain}, nil
}

// RevokeByID implements refresh.Store.
func (s *RefreshStore) RevokeByID(ctx context.Context, id string, now time.Time) (bool, error) {
	changed, err := revokeRefreshByIDLua.Run(ctx, s.redis, []string{s.recordKey(id)}, ms(now)).Int64()
	return revokeResult(changed, err)
}

// RevokeByHash implements refresh.Store.
func (s *RefreshStore) RevokeByHash(ctx context.Context, hash [32]byte, now time.Time) (bool, error) {
	changed, err := revokeRefreshByHashLua.Run(ctx, s.redis, []string{s.hashKey(hash)}, ms(now), s.prefix).Int64()
	return revokeResult(changed, err)
}

func revokeResult(changed int64, err error) (bool, error) {
	if err != nil {
		return false, unavailable(err)
	}
	if changed < 0 {
		return false, refresh.ErrNotFound
	}
	return changed == 1, nil
}

// RevokeIdentity implements refresh.Store.
func (s *RefreshStore) RevokeIdentity(ctx context.Context, identityID string, now time.Time) (int, error) {
	revoked, err := revokeRefreshIdentityLua.Run(ctx, s.redis, []string{s.identityKey(identityID)}, ms(now), s.prefix).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(revoked), nil
}

// GetByHash implements refresh.Store.
func (s *RefreshStore) GetByHash(ctx context.Context, hash [32]byte) (refresh.Record, error) {
	id, err := s.redis.Get(ctx, s.hashKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return refresh.Record{}, refresh.ErrNotFound
	}
	if err != nil {
		return refresh.Record{}, unavailable(err)
	}

	fields, err := s.redis.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return refresh.Record{}, unavailable(err)
	}
	if len(fields) == 0 {
		return refresh.Record{}, refresh.ErrNotFound
	}

	rec, err := recordFromFields(id, fields["uid"], hash, fields["cat"], fields["exp"], fields["rev"], fields["next"])
	if err != nil {
		return refresh.Record{}, unavailable(err)
	}
	return rec, nil
}

// PruneExpired implements refresh.Store. It scans record keys and deletes
// each expired one atomically with its index entries. A record whose
// successor is still stored survives the scan; scans repeat until nothing
// more is removed.
func (s *RefreshStore) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	pruned := 0
	for {
		n, err := s.pruneScan(ctx, before)
		pruned += n
		if err != nil || n == 0 {
			return pruned, err
		}
	}
}

func (s *RefreshStore) pruneScan(ctx context.Context, before time.Time) (int, error) {
	pruned := 0
	iter := s.redis.Scan(ctx, 0, s.prefix+":rt:*", pruneScanCount).Iterator()
	for iter.Next(ctx) {
		deleted, err := pruneRefreshLua.Run(ctx, s.redis, []string{iter.Val()}, ms(before), s.prefix).Int64()
		if err != nil {
			return pruned, unavailable(err)
		}
		pruned += int(deleted)
	}
	if err := iter.Err(); err != nil {
		return pruned, unavailable(err)
	}
	return pruned, nil
}

func recordFromFields(id, uid string, hash [32]byte, cat, exp, rev, next string) (refresh.Record, error) {
	createdAt, err := parseMillis(cat)
	if err != nil {
		return refresh.Record{}, err
	}
	expiresAt, err := parseMillis(exp)
	if err != nil {
		return refresh.Record{}, err
	}
	revokedAt, err := parseOptionalMillis(rev)
	if err != nil {
		return refresh.Record{}, err
	}

	return refresh.Record{
		ID:         id,
		IdentityID: uid,
		SecretHash: hash,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
		RevokedAt:  revokedAt,
		ReplacedBy: next,
	}, nil
}
