package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/TIANLI0/WearKit/config"
	"github.com/TIANLI0/WearKit/model"
	"github.com/TIANLI0/WearKit/utils"
)

type RedisService struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisService(cfg *config.RedisConfig) *RedisService {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisService{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetJob 读取任务记录；未命中返回ErrJobNotFound
func (s *RedisService) GetJob(ctx context.Context, id string) (*model.Job, error) {
	key := "job:" + id
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, model.ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		utils.Logger.Error("failed to unmarshal job",
			zap.String("job_id", id), zap.Error(err))
		return nil, err
	}

	return &job, nil
}

// SetJob 写入任务记录，TTL即任务的过期时间
func (s *RedisService) SetJob(ctx context.Context, job *model.Job) error {
	key := "job:" + job.ID
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, key, data, s.ttl).Err()
}

// SetResult 存储结果PNG字节，返回定位符
func (s *RedisService) SetResult(ctx context.Context, jobID string, png []byte) (string, error) {
	key := "result:" + jobID
	if err := s.client.Set(ctx, key, png, s.ttl).Err(); err != nil {
		return "", err
	}
	return key, nil
}

// GetResult 按定位符取回结果PNG字节；未命中返回nil
func (s *RedisService) GetResult(ctx context.Context, locator string) ([]byte, error) {
	data, err := s.client.Get(ctx, locator).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisService) Close() error {
	return s.client.Close()
}
