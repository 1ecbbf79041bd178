package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"openidrp/session"
)

const (
	pendingKeyPrefix   = "openidrp:pending:"
	tombstoneKeyPrefix = "openidrp:pending-done:"
)

// takeScript atomically reads and deletes a pending login, leaving a
// tombstone so a repeated finish reports "consumed".
var takeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  if redis.call('EXISTS', KEYS[2]) == 1 then
    return {'consumed'}
  end
  return {'missing'}
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], '1', 'PX', ARGV[1])
return {'ok', v}
`)

// PendingStore implements session.PendingStore on Redis.
type PendingStore struct {
	client       redis.UniversalClient
	tombstoneTTL time.Duration
}

// NewPendingStore builds a store keeping tombstones for tombstoneTTL.
func NewPendingStore(client redis.UniversalClient, tombstoneTTL time.Duration) *PendingStore {
	if tombstoneTTL <= 0 {
		tombstoneTTL = session.DefaultPendingTTL
	}
	return &PendingStore{client: client, tombstoneTTL: tombstoneTTL}
}

func (s *PendingStore) Put(ctx context.Context, p *session.Pending) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending login: %w", err)
	}
	ttl := time.Until(p.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("pending login %s already expired", p.ID)
	}
	return s.client.Set(ctx, pendingKeyPrefix+p.ID, body, ttl).Err()
}

func (s *PendingStore) Take(ctx context.Context, id string, now time.Time) (*session.Pending, error) {
	res, err := takeScript.Run(ctx, s.client,
		[]string{pendingKeyPrefix + id, tombstoneKeyPrefix + id},
		s.tombstoneTTL.Milliseconds()).Slice()
	if err != nil {
		return nil, fmt.Errorf("take pending login: %w", err)
	}
	status, _ := res[0].(string)
	switch status {
	case "consumed":
		return nil, session.ErrSessionNotFound{Reason: session.ReasonConsumed}
	case "missing":
		return nil, session.ErrSessionNotFound{Reason: session.ReasonMissing}
	}
	raw, _ := res[1].(string)
	var p session.Pending
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode pending login: %w", err)
	}
	if !now.Before(p.ExpiresAt) {
		return nil, session.ErrSessionNotFound{Reason: session.ReasonExpired}
	}
	return &p, nil
}

// Sweep implements session.PendingStore. Keys expire on their own.
func (s *PendingStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
