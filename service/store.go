package service

import (
	"context"
	"sync"

	"github.com/TIANLI0/WearKit/model"
)

// JobStore 任务状态存储；Redis不可用时退化为进程内存储。
// Get未命中返回model.ErrJobNotFound。
type JobStore interface {
	Get(ctx context.Context, id string) (*model.Job, error)
	Put(ctx context.Context, job *model.Job) error
}

// RedisJobStore 基于RedisService的任务存储
type RedisJobStore struct {
	redis *RedisService
}

func NewRedisJobStore(redis *RedisService) *RedisJobStore {
	return &RedisJobStore{redis: redis}
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.redis.GetJob(ctx, id)
}

func (s *RedisJobStore) Put(ctx context.Context, job *model.Job) error {
	return s.redis.SetJob(ctx, job)
}

// MemoryJobStore 进程内任务存储
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]model.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]model.Job)}
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	copied := job
	return &copied, nil
}

func (s *MemoryJobStore) Put(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}
