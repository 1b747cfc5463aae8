package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pairchat/backend/internal/store"

	"github.com/redis/go-redis/v9"
)

// maxUpdateRetries bounds optimistic-lock retries for Update.
const maxUpdateRetries = 8

// tree maps the store's path tree onto Redis keys:
//
//	{prefix}v:{path}  JSON value of a node
//	{prefix}c:{path}  set of child names that have been written beneath path
//	{prefix}events    pub/sub channel carrying the path of every change
type tree struct {
	rdb    *redis.Client
	prefix string
}

func (t tree) valueKey(path string) string { return t.prefix + "v:" + path }
func (t tree) indexKey(path string) string { return t.prefix + "c:" + path }
func (t tree) eventsChannel() string       { return t.prefix + "events" }
func (t tree) livenessKey() string         { return t.prefix + "liveness" }
func (t tree) disconnectKey(connID string) string {
	return t.prefix + "od:" + connID
}

func (t tree) write(ctx context.Context, path string, raw json.RawMessage) error {
	pipe := t.rdb.TxPipeline()
	pipe.Set(ctx, t.valueKey(path), []byte(raw), 0)
	for child := path; ; {
		parent, name := store.Parent(child)
		if parent == "" {
			break
		}
		pipe.SAdd(ctx, t.indexKey(parent), name)
		child = parent
	}
	pipe.Publish(ctx, t.eventsChannel(), path)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: write %s: %w", path, err)
	}
	return nil
}

func (t tree) update(ctx context.Context, path string, fields map[string]any) error {
	key := t.valueKey(path)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		merged, err := store.Merge(cur, fields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, []byte(merged), 0)
			pipe.Publish(ctx, t.eventsChannel(), path)
			return nil
		})
		return err
	}

	for range maxUpdateRetries {
		err := t.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrNotObject) {
			return fmt.Errorf("redis: update %s: %w", path, err)
		}
		return err
	}
	return fmt.Errorf("redis: update %s: %w", path, redis.TxFailedErr)
}

// subtree lists path and every indexed descendant.
func (t tree) subtree(ctx context.Context, path string) ([]string, error) {
	out := []string{path}
	for i := 0; i < len(out); i++ {
		names, err := t.rdb.SMembers(ctx, t.indexKey(out[i])).Result()
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			out = append(out, out[i]+"/"+n)
		}
	}
	return out, nil
}

func (t tree) delete(ctx context.Context, path string) error {
	paths, err := t.subtree(ctx, path)
	if err != nil {
		return fmt.Errorf("redis: delete %s: %w", path, err)
	}
	keys := make([]string, 0, 2*len(paths))
	for _, p := range paths {
		keys = append(keys, t.valueKey(p), t.indexKey(p))
	}

	pipe := t.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	if parent, name := store.Parent(path); parent != "" {
		pipe.SRem(ctx, t.indexKey(parent), name)
	}
	pipe.Publish(ctx, t.eventsChannel(), path)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete %s: %w", path, err)
	}
	return nil
}

func (t tree) read(ctx context.Context, path string) (store.Snapshot, error) {
	snap := store.Snapshot{Path: path}

	pipe := t.rdb.Pipeline()
	getCmd := pipe.Get(ctx, t.valueKey(path))
	membersCmd := pipe.SMembers(ctx, t.indexKey(path))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return snap, fmt.Errorf("redis: read %s: %w", path, err)
	}

	if val, err := getCmd.Bytes(); err == nil {
		snap.Value = val
	} else if !errors.Is(err, redis.Nil) {
		return snap, fmt.Errorf("redis: read %s: %w", path, err)
	}

	names := membersCmd.Val()
	if len(names) == 0 {
		return snap, nil
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = t.valueKey(path + "/" + n)
	}
	vals, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return snap, fmt.Errorf("redis: read children of %s: %w", path, err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if snap.Children == nil {
			snap.Children = make(map[string]json.RawMessage, len(names))
		}
		snap.Children[names[i]] = json.RawMessage(s)
	}
	return snap, nil
}
