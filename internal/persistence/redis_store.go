package persistence

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/orderflow/pkg/api"
)

// RedisInstanceStore is an InstanceStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>            => JSON instanceRecord
//	<prefix>hist:<id>            => LIST of JSON history events
//	<prefix>idx:all              => SET of all instance IDs
//	<prefix>idx:wf:<workflow>    => SET of instance IDs for a given workflow
//	<prefix>idx:status:<status>  => SET of instance IDs for a given status
//
// Appends WATCH the instance key, so a concurrent writer aborts the
// transaction and the caller sees ErrConflict.
type RedisInstanceStore struct {
	client *redis.Client
	prefix string
}

var _ InstanceStore = (*RedisInstanceStore)(nil)

// NewRedisInstanceStore creates a RedisInstanceStore.
// prefix is optional but recommended (e.g. "orderflow:").
func NewRedisInstanceStore(client *redis.Client, prefix string) *RedisInstanceStore {
	if prefix == "" {
		prefix = "orderflow:"
	}
	return &RedisInstanceStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisInstanceStore) keyInstance(id string) string {
	return r.prefix + "inst:" + id
}

func (r *RedisInstanceStore) keyHistory(id string) string {
	return r.prefix + "hist:" + id
}

func (r *RedisInstanceStore) keyAll() string {
	return r.prefix + "idx:all"
}

func (r *RedisInstanceStore) keyWorkflow(name string) string {
	return r.prefix + "idx:wf:" + name
}

func (r *RedisInstanceStore) keyStatus(status api.Status) string {
	return r.prefix + "idx:status:" + string(status)
}

func encodeEvents(events []api.HistoryEvent) ([]any, error) {
	out := make([]any, 0, len(events))
	for _, ev := range events {
		data, err := encodeEvent(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (r *RedisInstanceStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	data, err := json.Marshal(recordOf(inst))
	if err != nil {
		return err
	}
	events, err := encodeEvents(inst.History)
	if err != nil {
		return err
	}

	key := r.keyInstance(inst.ID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrInstanceExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if len(events) > 0 {
				pipe.RPush(ctx, r.keyHistory(inst.ID), events...)
			}
			pipe.SAdd(ctx, r.keyAll(), inst.ID)
			pipe.SAdd(ctx, r.keyWorkflow(inst.Name), inst.ID)
			pipe.SAdd(ctx, r.keyStatus(inst.Status), inst.ID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrInstanceExists
	}
	return err
}

func (r *RedisInstanceStore) getRecord(ctx context.Context, c redis.Cmdable, id string) (instanceRecord, error) {
	data, err := c.Get(ctx, r.keyInstance(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return instanceRecord{}, ErrInstanceNotFound
	}
	if err != nil {
		return instanceRecord{}, err
	}
	var rec instanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return instanceRecord{}, err
	}
	return rec, nil
}

func (r *RedisInstanceStore) getHistory(ctx context.Context, c redis.Cmdable, id string) ([]api.HistoryEvent, error) {
	raw, err := c.LRange(ctx, r.keyHistory(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	history := make([]api.HistoryEvent, 0, len(raw))
	for _, item := range raw {
		ev, err := decodeEvent([]byte(item))
		if err != nil {
			return nil, err
		}
		history = append(history, ev)
	}
	return history, nil
}

func (r *RedisInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	// MULTI/EXEC keeps the summary and the history list consistent.
	var (
		get  *redis.StringCmd
		hist *redis.StringSliceCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, r.keyInstance(id))
		hist = pipe.LRange(ctx, r.keyHistory(id), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	data, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec instanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}

	inst := rec.instance()
	inst.History = make([]api.HistoryEvent, 0, len(hist.Val()))
	for _, item := range hist.Val() {
		ev, err := decodeEvent([]byte(item))
		if err != nil {
			return nil, err
		}
		inst.History = append(inst.History, ev)
	}
	return inst, nil
}

func (r *RedisInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	var ids []string
	var err error

	switch {
	case filter.WorkflowName != "" && filter.Status != "":
		ids, err = r.client.SInter(ctx,
			r.keyWorkflow(filter.WorkflowName),
			r.keyStatus(filter.Status),
		).Result()
	case filter.WorkflowName != "":
		ids, err = r.client.SMembers(ctx, r.keyWorkflow(filter.WorkflowName)).Result()
	case filter.Status != "":
		ids, err = r.client.SMembers(ctx, r.keyStatus(filter.Status)).Result()
	default:
		ids, err = r.client.SMembers(ctx, r.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.WorkflowInstance{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.WorkflowInstance{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var instances []*api.WorkflowInstance
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var rec instanceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		// Status indexes can lag a concurrent append; the record decides.
		if !matches(filter, rec.Name, rec.Status) {
			continue
		}
		instances = append(instances, rec.instance())
	}

	slices.SortFunc(instances, func(a, b *api.WorkflowInstance) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return instances, nil
}

func (r *RedisInstanceStore) AppendEvents(ctx context.Context, id string, expected int, events ...api.HistoryEvent) (*api.WorkflowInstance, error) {
	encoded, err := encodeEvents(events)
	if err != nil {
		return nil, err
	}

	var result *api.WorkflowInstance
	key := r.keyInstance(id)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := r.getRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkAppend(rec.Status, rec.HistoryLen, expected); err != nil {
			return err
		}
		history, err := r.getHistory(ctx, tx, id)
		if err != nil {
			return err
		}

		prevStatus := rec.Status
		sum := fold(events, rec.UpdatedAt)
		rec.Status = sum.Status
		rec.Output = sum.Output
		rec.Failure = sum.Failure
		rec.UpdatedAt = sum.UpdatedAt
		rec.HistoryLen += len(events)

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(encoded) > 0 {
				pipe.RPush(ctx, r.keyHistory(id), encoded...)
			}
			pipe.Set(ctx, key, data, 0)
			if rec.Status != prevStatus {
				pipe.SRem(ctx, r.keyStatus(prevStatus), id)
				pipe.SAdd(ctx, r.keyStatus(rec.Status), id)
			}
			return nil
		})
		if err != nil {
			return err
		}

		result = rec.instance()
		result.History = append(history, events...)
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
