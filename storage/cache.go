package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskdeck/domain"
)

type backend interface {
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, userID, id string) (domain.Task, error)
	InsertTask(ctx context.Context, userID string, task domain.Task) error
	DeleteTask(ctx context.Context, userID, id string) error
	RecordExecution(ctx context.Context, userID, taskID string, res domain.ExecutionResult) error
	Ping(ctx context.Context) error
}

// Cache wraps a backend with a Redis-backed cache of each user's task list.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A zero TTL disables writes to the cache.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasksFromCache(ctx, userID); ok {
		return tasks, nil
	}

	gen, ok := c.generation(ctx, userID)
	tasks, err := c.base.ListTasks(ctx, userID)
	if err != nil {
		return nil, err
	}

	if ok {
		c.storeTasks(ctx, userID, gen, tasks)
	}
	return tasks, nil
}

func (c *Cache) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	return c.base.GetTask(ctx, userID, id)
}

func (c *Cache) InsertTask(ctx context.Context, userID string, task domain.Task) error {
	if err := c.base.InsertTask(ctx, userID, task); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, userID, id string) error {
	if err := c.base.DeleteTask(ctx, userID, id); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) RecordExecution(ctx context.Context, userID, taskID string, res domain.ExecutionResult) error {
	return c.base.RecordExecution(ctx, userID, taskID, res)
}

// Ping checks the backing storage and then Redis.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.base.Ping(ctx); err != nil {
		return err
	}
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Cache) loadTasksFromCache(ctx context.Context, userID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		return nil, false
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, true
}

// generation returns the user's eviction counter as read before a backend
// list. ok is false when the list must not be cached.
func (c *Cache) generation(ctx context.Context, userID string) (string, bool) {
	if c.redis == nil || c.ttl == 0 {
		return "", false
	}
	gen, err := c.redis.Get(ctx, tasksGenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", true
	}
	if err != nil {
		return "", false
	}
	return gen, true
}

// storeIfCurrent writes the list only while the generation still matches,
// so a list read before an eviction is never written back after it.
var storeIfCurrent = redis.NewScript(`
local gen = redis.call('GET', KEYS[2]) or '0'
if gen ~= ARGV[2] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

func (c *Cache) storeTasks(ctx context.Context, userID, gen string, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	keys := []string{tasksCacheKey(userID), tasksGenKey(userID)}
	_ = storeIfCurrent.Run(ctx, c.redis, keys, data, gen, c.ttl.Milliseconds()).Err()
}

func (c *Cache) evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, tasksCacheKey(userID))
		pipe.Incr(ctx, tasksGenKey(userID))
		if c.ttl > 0 {
			pipe.Expire(ctx, tasksGenKey(userID), c.ttl)
		}
		return nil
	})
}

func tasksCacheKey(userID string) string {
	return "tasks:" + userID
}

func tasksGenKey(userID string) string {
	return "tasks-gen:" + userID
}
