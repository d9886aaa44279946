package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
)

const (
	chainKeyPrefix    = "approvals:chain:"
	approverKeyPrefix = "approvals:approver:"
)

func chainKey(id string) string        { return chainKeyPrefix + id }
func approverKey(userID string) string { return approverKeyPrefix + userID }

// RedisChainStore implements ChainStore on Redis. Each chain is one JSON
// value; a set per approver indexes the chains waiting on them. Writes run
// under WATCH so a concurrent writer aborts the transaction.
type RedisChainStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisClient parses url and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// NewRedisChainStore wraps an existing client.
func NewRedisChainStore(client *redis.Client) *RedisChainStore {
	return &RedisChainStore{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new chain at revision 0. It fails if the id is taken.
func (s *RedisChainStore) Create(ctx context.Context, inst *engine.ChainInstance) error {
	key := chainKey(inst.ID)
	now := s.now()
	inst.CreatedAt, inst.UpdatedAt = now, now
	inst.Revision = 0

	data, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval chain")
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errors.Conflict("approval chain " + inst.ID + " already exists")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			for _, userID := range pendingApprovers(inst) {
				pipe.SAdd(ctx, approverKey(userID), inst.ID)
			}
			return nil
		})
		return err
	}, key)
	return s.writeError(err, "failed to create approval chain")
}

// Get loads a chain by id.
func (s *RedisChainStore) Get(ctx context.Context, id string) (*engine.ChainInstance, error) {
	data, err := s.client.Get(ctx, chainKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.NotFound("approval_chain", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to get approval chain")
	}
	return decodeChain(data)
}

// Update compares the stored revision with expectedRevision and swaps in
// inst when they match.
func (s *RedisChainStore) Update(ctx context.Context, inst *engine.ChainInstance, expectedRevision int64) error {
	key := chainKey(inst.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return errors.NotFound("approval_chain", inst.ID)
		}
		if err != nil {
			return err
		}
		current, err := decodeChain(data)
		if err != nil {
			return err
		}
		if current.Revision != expectedRevision {
			return ErrVersionConflict
		}

		next := inst.Clone()
		next.Revision = expectedRevision + 1
		next.UpdatedAt = updatedAt(next.UpdatedAt)
		payload, err := json.Marshal(next)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval chain")
		}

		before := pendingApprovers(current)
		after := pendingApprovers(next)
		keep := make(map[string]bool, len(after))
		for _, u := range after {
			keep[u] = true
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			for _, u := range before {
				if !keep[u] {
					pipe.SRem(ctx, approverKey(u), inst.ID)
				}
			}
			for _, u := range after {
				pipe.SAdd(ctx, approverKey(u), inst.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		inst.Revision = next.Revision
		inst.UpdatedAt = next.UpdatedAt
		return nil
	}, key)
	return s.writeError(err, "failed to update approval chain")
}

// ListOpenForApprover reads the approver index and loads the chains.
func (s *RedisChainStore) ListOpenForApprover(ctx context.Context, userID string) ([]*engine.ChainInstance, error) {
	ids, err := s.client.SMembers(ctx, approverKey(userID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to read approver index")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = chainKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to load approval chains")
	}

	var out []*engine.ChainInstance
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		inst, err := decodeChain([]byte(raw))
		if err != nil {
			return nil, err
		}
		if inst.ArchivedAt != nil || inst.Status.IsTerminal() || !hasPendingEntry(inst, userID) {
			continue
		}
		out = append(out, inst)
	}
	sortBySubmission(out)
	return out, nil
}

// Ping checks connectivity.
func (s *RedisChainStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisChainStore) Close() error {
	return s.client.Close()
}

func (s *RedisChainStore) writeError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		return err
	}
	return errors.Wrap(err, errors.ErrCodeUnavailable, msg)
}

// pendingApprovers lists users with a pending entry on an open chain.
func pendingApprovers(inst *engine.ChainInstance) []string {
	if inst.ArchivedAt != nil || inst.Status.IsTerminal() {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, e := range inst.Entries {
		if e.Status != engine.EntryPending || e.EffectiveApproverID == "" || seen[e.EffectiveApproverID] {
			continue
		}
		seen[e.EffectiveApproverID] = true
		out = append(out, e.EffectiveApproverID)
	}
	return out
}

func decodeChain(data []byte) (*engine.ChainInstance, error) {
	inst := &engine.ChainInstance{}
	if err := decodeJSON(data, inst); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval chain")
	}
	return inst, nil
}
