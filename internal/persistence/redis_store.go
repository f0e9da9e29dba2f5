package persistence

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/orchestro/pkg/api"
)

// RedisWorkflowStore is a WorkflowStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>wf:<id>                => gob-encoded workflow
//	<prefix>idx:all                => SET of all workflow IDs
//	<prefix>idx:status:<status>    => SET of workflow IDs for a given status
//
// Payload and indexes are written in one MULTI/EXEC transaction, and a
// workflow is removed from every other status set when saved.
type RedisWorkflowStore struct {
	client redis.UniversalClient
	prefix string
}

// Ensure RedisWorkflowStore implements the interfaces.
var _ WorkflowStore = (*RedisWorkflowStore)(nil)

var _ Pinger = (*RedisWorkflowStore)(nil)

// NewRedisWorkflowStore creates a RedisWorkflowStore.
// prefix is optional but recommended (e.g. "orchestro:").
func NewRedisWorkflowStore(client redis.UniversalClient, prefix string) *RedisWorkflowStore {
	if prefix == "" {
		prefix = "orchestro:"
	}
	return &RedisWorkflowStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisWorkflowStore) keyWorkflow(id string) string {
	return r.prefix + "wf:" + id
}

func (r *RedisWorkflowStore) keyAll() string {
	return r.prefix + "idx:all"
}

func (r *RedisWorkflowStore) keyStatus(status api.Status) string {
	return r.prefix + "idx:status:" + string(status)
}

func (r *RedisWorkflowStore) Save(ctx context.Context, wf *api.Workflow) (*api.Workflow, error) {
	data, err := EncodeWorkflow(wf)
	if err != nil {
		return nil, err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyWorkflow(wf.WorkflowID), data, 0)
		pipe.SAdd(ctx, r.keyAll(), wf.WorkflowID)
		for _, s := range api.Statuses {
			if s != wf.ExecutionStatus.Status {
				pipe.SRem(ctx, r.keyStatus(s), wf.WorkflowID)
			}
		}
		pipe.SAdd(ctx, r.keyStatus(wf.ExecutionStatus.Status), wf.WorkflowID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wf.Clone(), nil
}

func (r *RedisWorkflowStore) FindByID(ctx context.Context, id string) (*api.Workflow, error) {
	data, err := r.client.Get(ctx, r.keyWorkflow(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return DecodeWorkflow(data)
}

func (r *RedisWorkflowStore) FindAll(ctx context.Context) ([]*api.Workflow, error) {
	ids, err := r.client.SMembers(ctx, r.keyAll()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return r.load(ctx, ids, "")
}

func (r *RedisWorkflowStore) FindByStatus(ctx context.Context, status api.Status) ([]*api.Workflow, error) {
	ids, err := r.client.SMembers(ctx, r.keyStatus(status)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return r.load(ctx, ids, status)
}

func (r *RedisWorkflowStore) Delete(ctx context.Context, id string) (bool, error) {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.keyWorkflow(id))
		pipe.SRem(ctx, r.keyAll(), id)
		for _, s := range api.Statuses {
			pipe.SRem(ctx, r.keyStatus(s), id)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}

func (r *RedisWorkflowStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// load fetches payloads for ids in one pipeline. Ids whose payload vanished
// are skipped; when status is set, payloads whose status no longer matches
// are skipped as well.
func (r *RedisWorkflowStore) load(ctx context.Context, ids []string, status api.Status) ([]*api.Workflow, error) {
	workflows := []*api.Workflow{}
	if len(ids) == 0 {
		return workflows, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.keyWorkflow(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		wf, err := DecodeWorkflow(data)
		if err != nil {
			return nil, err
		}
		if status != "" && wf.ExecutionStatus.Status != status {
			continue
		}
		workflows = append(workflows, wf)
	}

	sortWorkflows(workflows)
	return workflows, nil
}
