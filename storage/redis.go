package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lanemc/real-time-collaboration-sdk/ot"
)

const (
	redisDocPrefix = "collab:doc:"
	redisOpsPrefix = "collab:ops:"
	redisIndexKey  = "collab:docs"
)

// Redis is an Adapter over a Redis client. Snapshots are plain keys;
// operation logs are lists of version-stamped envelopes, so appends keep
// their order even when several parts share one applied version.
type Redis struct {
	client *redis.Client
}

type redisOpEnvelope struct {
	Version int             `json:"version"`
	Op      json.RawMessage `json:"op"`
}

// OpenRedis dials addr and verifies the connection.
func OpenRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) SaveDocument(ctx context.Context, state *State) error {
	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", state.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisDocPrefix+state.ID, buf, 0)
	pipe.SAdd(ctx, redisIndexKey, state.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) LoadDocument(ctx context.Context, id string) (*State, error) {
	buf, err := r.client.Get(ctx, redisDocPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	state := &State{}
	if err := json.Unmarshal(buf, state); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return state, nil
}

func (r *Redis) SaveOperation(ctx context.Context, id string, op *ot.Operation, version int) error {
	opBuf, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	buf, err := json.Marshal(redisOpEnvelope{Version: version, Op: opBuf})
	if err != nil {
		return fmt.Errorf("encode operation envelope %s: %w", op.ID, err)
	}
	return r.client.RPush(ctx, redisOpsPrefix+id, buf).Err()
}

func (r *Redis) LoadOperations(ctx context.Context, id string, sinceVersion int) ([]*ot.Operation, error) {
	members, err := r.client.LRange(ctx, redisOpsPrefix+id, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var ops []*ot.Operation
	for _, m := range members {
		var env redisOpEnvelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			return nil, fmt.Errorf("decode operation envelope: %w", err)
		}
		if env.Version <= sinceVersion {
			continue
		}
		op := &ot.Operation{}
		if err := json.Unmarshal(env.Op, op); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (r *Redis) DeleteDocument(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, redisDocPrefix+id, redisOpsPrefix+id)
	pipe.SRem(ctx, redisIndexKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) ListDocuments(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *Redis) Close() error { return r.client.Close() }
