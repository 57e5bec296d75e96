package model

import "image"

// BBox 边界框，坐标含义为 (x1,y1)-(x2,y2)，x1<=x2 且 y1<=y2
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Rect 转换为 image.Rectangle
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Empty 是否为空框
func (b BBox) Empty() bool {
	return b.X2 <= b.X1 || b.Y2 <= b.Y1
}

// GarmentCategory 服装类别
type GarmentCategory string

const (
	CategoryUpper GarmentCategory = "upper"
	CategoryLower GarmentCategory = "lower"
	CategoryFull  GarmentCategory = "full"
)

// NormalizeCategory 归一化服装类别；历史接口曾使用 "overall" 表示连体装
func NormalizeCategory(raw string) (GarmentCategory, bool) {
	switch raw {
	case "", "upper":
		return CategoryUpper, true
	case "lower":
		return CategoryLower, true
	case "full", "overall":
		return CategoryFull, true
	}
	return "", false
}

// TryOnResponse 提交任务的响应
type TryOnResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
	Job     *Job   `json:"job,omitempty"`
}

// JobStatusResponse 轮询任务状态的响应
type JobStatusResponse struct {
	Success  bool       `json:"success"`
	Status   JobStatus  `json:"status"`
	Stage    Stage      `json:"stage"`
	Progress int        `json:"progress"`
	Result   *JobResult `json:"result,omitempty"`
	Error    *JobError  `json:"error,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
