package model

import (
	"errors"
	"time"
)

// JobStatus 任务状态
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Stage 流水线阶段名
type Stage string

const (
	StageQueued       Stage = "queued"
	StageSegmenting   Stage = "segmenting"
	StagePosing       Stage = "posing"
	StageWarping      Stage = "warping"
	StageSynthesizing Stage = "synthesizing"
	StageBlending     Stage = "blending"
	StageDone         Stage = "done"
)

// StageProgress 各阶段进入时上报的进度百分比
var StageProgress = map[Stage]int{
	StageSegmenting:   10,
	StagePosing:       25,
	StageWarping:      40,
	StageSynthesizing: 55,
	StageBlending:     85,
	StageDone:         100,
}

// JobError 结构化失败元数据
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	JobID   string `json:"job_id"`
}

// JobResult 任务结果引用：存储定位符或内联base64
type JobResult struct {
	Locator string `json:"locator,omitempty"`
	Inline  string `json:"inline,omitempty"`
}

// Job 一次试穿任务的完整状态
type Job struct {
	ID        string     `json:"id"`
	Status    JobStatus  `json:"status"`
	Stage     Stage      `json:"stage"`
	Progress  int        `json:"progress"`
	Category  string     `json:"garment_category"`
	Attempt   int        `json:"attempt"`
	Result    *JobResult `json:"result,omitempty"`
	Error     *JobError  `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Terminal 是否已到达终态
func (j *Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

var (
	// ErrInvalidInput 输入校验失败，不进入流水线、不重试
	ErrInvalidInput = errors.New("invalid input")
	// ErrCollaboratorUnavailable 可选外部模型缺失，降级而非失败
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	// ErrJobNotFound 任务不存在或已过期
	ErrJobNotFound = errors.New("job not found")
)
