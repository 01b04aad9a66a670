package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"call-broker/internal/calls"
	"call-broker/internal/sessions"
)

// Redis key prefixes. The keyspace-expiration listener matches cleanup
// handlers against these same prefixes, so they are exported.
const (
	KeyPrefixCall      = "call."
	KeyPrefixCallState = "callstate."
	KeyPrefixUserCalls = "userCalls."
	KeyPrefixSession   = "session."
)

// casRetries bounds optimistic-concurrency retries on contended call-state
// updates before surfacing the conflict.
const casRetries = 5

// RedisStore is the production volatile backend.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// setStateScript writes a call-state record, inheriting the parent call
// record's TTL when no explicit TTL is given, in a single round trip.
var setStateScript = redis.NewScript(`
-- KEYS[1] = state key
-- KEYS[2] = parent call key
-- ARGV[1] = state record (json)
-- ARGV[2] = ttl in ms (0 = inherit parent TTL)
local ttl = tonumber(ARGV[2])
if ttl <= 0 then
  ttl = redis.call('PTTL', KEYS[2])
end
redis.call('SET', KEYS[1], ARGV[1])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

/* ---- calls.Store ---- */

func (s *RedisStore) SetCall(ctx context.Context, call calls.Call, ttl time.Duration) error {
	payload, err := json.Marshal(call)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, KeyPrefixCall+call.CallID, payload, ttl).Err()
}

func (s *RedisStore) GetCall(ctx context.Context, callID string) (calls.Call, error) {
	payload, err := s.rdb.Get(ctx, KeyPrefixCall+callID).Bytes()
	if errors.Is(err, redis.Nil) {
		return calls.Call{}, calls.ErrCallNotFound
	}
	if err != nil {
		return calls.Call{}, err
	}
	var call calls.Call
	if err := json.Unmarshal(payload, &call); err != nil {
		return calls.Call{}, fmt.Errorf("storage: corrupt call record %q: %w", callID, err)
	}
	return call, nil
}

func (s *RedisStore) DeleteCall(ctx context.Context, callID string) error {
	return s.rdb.Del(ctx, KeyPrefixCall+callID, KeyPrefixCallState+callID).Err()
}

func (s *RedisStore) AddUserCall(ctx context.Context, userMac, callID string) error {
	return s.rdb.SAdd(ctx, KeyPrefixUserCalls+userMac, callID).Err()
}

func (s *RedisStore) ListUserCalls(ctx context.Context, userMac string) ([]calls.Call, error) {
	indexKey := KeyPrefixUserCalls + userMac
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = KeyPrefixCall + id
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var out []calls.Call
	var expired []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Call record expired underneath its index entry.
			expired = append(expired, ids[i])
			continue
		}
		var call calls.Call
		if err := json.Unmarshal([]byte(raw), &call); err != nil {
			return nil, fmt.Errorf("storage: corrupt call record %q: %w", ids[i], err)
		}
		out = append(out, call)
	}
	if len(expired) > 0 {
		if err := s.rdb.SRem(ctx, indexKey, expired...).Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *RedisStore) SetCallState(ctx context.Context, callID string, p calls.Progress, ttl time.Duration) error {
	stateKey := KeyPrefixCallState + callID
	if p.State == calls.StateTerminated {
		// Terminated is the absence of a progress record.
		return s.rdb.Del(ctx, stateKey).Err()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return setStateScript.Run(ctx, s.rdb,
		[]string{stateKey, KeyPrefixCall + callID},
		payload, ttl.Milliseconds()).Err()
}

func (s *RedisStore) GetCallState(ctx context.Context, callID string) (calls.Progress, error) {
	payload, err := s.rdb.Get(ctx, KeyPrefixCallState+callID).Bytes()
	if errors.Is(err, redis.Nil) {
		return s.stateOfMissingRecord(ctx, callID)
	}
	if err != nil {
		return calls.Progress{}, err
	}
	var p calls.Progress
	if err := json.Unmarshal(payload, &p); err != nil {
		return calls.Progress{}, fmt.Errorf("storage: corrupt state record %q: %w", callID, err)
	}
	return p, nil
}

// stateOfMissingRecord disambiguates a missing progress record: if the call
// metadata still exists the call terminated; otherwise it is unknown.
func (s *RedisStore) stateOfMissingRecord(ctx context.Context, callID string) (calls.Progress, error) {
	exists, err := s.rdb.Exists(ctx, KeyPrefixCall+callID).Result()
	if err != nil {
		return calls.Progress{}, err
	}
	if exists == 0 {
		return calls.Progress{}, calls.ErrCallNotFound
	}
	return calls.Progress{State: calls.StateTerminated}, nil
}

func (s *RedisStore) UpdateCallState(ctx context.Context, callID string, fn func(calls.Progress) (calls.Progress, error)) (calls.Progress, error) {
	stateKey := KeyPrefixCallState + callID
	var result calls.Progress

	txn := func(tx *redis.Tx) error {
		var current calls.Progress
		payload, err := tx.Get(ctx, stateKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			current, err = s.stateOfMissingRecord(ctx, callID)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(payload, &current); err != nil {
				return fmt.Errorf("storage: corrupt state record %q: %w", callID, err)
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		result = next

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next.State == calls.StateTerminated {
				pipe.Del(ctx, stateKey)
				return nil
			}
			out, err := json.Marshal(next)
			if err != nil {
				return err
			}
			pipe.SetArgs(ctx, stateKey, out, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < casRetries; i++ {
		err = s.rdb.Watch(ctx, txn, stateKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return calls.Progress{}, err
	}
	return result, nil
}

func (s *RedisStore) GetCallStateTTL(ctx context.Context, callID string) (time.Duration, error) {
	ttl, err := s.rdb.PTTL(ctx, KeyPrefixCallState+callID).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

/* ---- sessions.Store ---- */

func (s *RedisStore) SetSession(ctx context.Context, idHmac string, rec sessions.Record, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, KeyPrefixSession+idHmac, payload, ttl).Err()
}

func (s *RedisStore) GetSession(ctx context.Context, idHmac string) (sessions.Record, error) {
	payload, err := s.rdb.Get(ctx, KeyPrefixSession+idHmac).Bytes()
	if errors.Is(err, redis.Nil) {
		return sessions.Record{}, sessions.ErrSessionNotFound
	}
	if err != nil {
		return sessions.Record{}, err
	}
	var rec sessions.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return sessions.Record{}, fmt.Errorf("storage: corrupt session record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) TouchSession(ctx context.Context, idHmac string, ttl time.Duration) error {
	ok, err := s.rdb.Expire(ctx, KeyPrefixSession+idHmac, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, idHmac string) error {
	return s.rdb.Del(ctx, KeyPrefixSession+idHmac).Err()
}

/* ---- maintenance ---- */

func (s *RedisStore) Drop(ctx context.Context) error {
	return s.rdb.FlushDB(ctx).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
