package service

import (
	"context"

	"gocv.io/x/gocv"

	"github.com/TIANLI0/WearKit/model"
	"github.com/TIANLI0/WearKit/utils"
)

// ResultSink 结果交付：持久存储返回定位符，或内联返回base64令牌
type ResultSink interface {
	Store(ctx context.Context, jobID string, img *gocv.Mat) (*model.JobResult, error)
}

// RedisResultSink 把结果PNG存进Redis并返回定位符
type RedisResultSink struct {
	redis *RedisService
}

func NewRedisResultSink(redis *RedisService) *RedisResultSink {
	return &RedisResultSink{redis: redis}
}

func (s *RedisResultSink) Store(ctx context.Context, jobID string, img *gocv.Mat) (*model.JobResult, error) {
	png, err := utils.EncodePNG(*img)
	if err != nil {
		return nil, err
	}
	locator, err := s.redis.SetResult(ctx, jobID, png)
	if err != nil {
		return nil, err
	}
	return &model.JobResult{Locator: locator}, nil
}

// InlineResultSink 把结果编码为内联base64令牌
type InlineResultSink struct{}

func NewInlineResultSink() *InlineResultSink {
	return &InlineResultSink{}
}

func (s *InlineResultSink) Store(_ context.Context, _ string, img *gocv.Mat) (*model.JobResult, error) {
	token, err := utils.EncodePNGBase64(*img)
	if err != nil {
		return nil, err
	}
	return &model.JobResult{Inline: token}, nil
}
