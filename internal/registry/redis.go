package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

// addChunkScript adds an index only while the task hash exists and keeps the
// chunk set expiring together with it.
var addChunkScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
redis.call("SADD", KEYS[2], ARGV[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
	redis.call("PEXPIRE", KEYS[2], ttl)
end
return 1`)

// RedisRegistry stores each task as a hash plus a set of received indices.
//
//	<prefix>task:<id>         hash of declared metadata
//	<prefix>task:<id>:chunks  set of chunk indices
//	<prefix>task:<id>:done    JSON completion marker
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry constructs a RedisRegistry whose tasks live for ttl.
func NewRedisRegistry(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) taskKey(id string) string   { return r.prefix + "task:" + id }
func (r *RedisRegistry) chunksKey(id string) string { return r.prefix + "task:" + id + ":chunks" }
func (r *RedisRegistry) doneKey(id string) string   { return r.prefix + "task:" + id + ":done" }

// Create implements Registry.
func (r *RedisRegistry) Create(ctx context.Context, meta model.TaskMeta) (*model.UploadTask, error) {
	id, err := NewTaskID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	task := &model.UploadTask{
		ID:        id,
		TaskMeta:  meta,
		Received:  []int{},
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.taskKey(id), map[string]any{
		"user_id":       meta.UserID,
		"file_name":     meta.FileName,
		"file_size":     meta.FileSize,
		"file_type":     meta.FileType,
		"declared_hash": meta.DeclaredHash,
		"total_chunks":  meta.TotalChunks,
		"created_at":    now.UnixMilli(),
	})
	pipe.PExpire(ctx, r.taskKey(id), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store task: %w", err)
	}
	return task, nil
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, id string) (*model.UploadTask, error) {
	pipe := r.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, r.taskKey(id))
	ttlCmd := pipe.PTTL(ctx, r.taskKey(id))
	chunksCmd := pipe.SMembers(ctx, r.chunksKey(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load task: %w", err)
	}
	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}
	task, err := decodeTask(id, fields)
	if err != nil {
		return nil, err
	}
	if ttl := ttlCmd.Val(); ttl > 0 {
		task.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	task.Received = make([]int, 0, len(chunksCmd.Val()))
	for _, raw := range chunksCmd.Val() {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("decode chunk index %q: %w", raw, err)
		}
		task.Received = append(task.Received, idx)
	}
	sort.Ints(task.Received)
	return task, nil
}

func decodeTask(id string, f map[string]string) (*model.UploadTask, error) {
	size, err := strconv.ParseInt(f["file_size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode file_size: %w", err)
	}
	total, err := strconv.Atoi(f["total_chunks"])
	if err != nil {
		return nil, fmt.Errorf("decode total_chunks: %w", err)
	}
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	return &model.UploadTask{
		ID: id,
		TaskMeta: model.TaskMeta{
			UserID:       f["user_id"],
			FileName:     f["file_name"],
			FileSize:     size,
			FileType:     f["file_type"],
			DeclaredHash: f["declared_hash"],
			TotalChunks:  total,
		},
		CreatedAt: time.UnixMilli(created).UTC(),
	}, nil
}

// AddChunk implements Registry.
func (r *RedisRegistry) AddChunk(ctx context.Context, id string, index int) error {
	ok, err := addChunkScript.Run(ctx, r.client, []string{r.taskKey(id), r.chunksKey(id)}, index).Int()
	if err != nil {
		return fmt.Errorf("add chunk %d: %w", index, err)
	}
	if ok == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Retire implements Registry.
func (r *RedisRegistry) Retire(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.taskKey(id), r.chunksKey(id)).Err(); err != nil {
		return fmt.Errorf("retire task: %w", err)
	}
	return nil
}

// MarkCompleted implements Registry.
func (r *RedisRegistry) MarkCompleted(ctx context.Context, id string, c model.Completion, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	if err := r.client.Set(ctx, r.doneKey(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("store completion: %w", err)
	}
	return nil
}

// Completion implements Registry.
func (r *RedisRegistry) Completion(ctx context.Context, id string) (*model.Completion, error) {
	data, err := r.client.Get(ctx, r.doneKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load completion: %w", err)
	}
	var c model.Completion
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	return &c, nil
}
