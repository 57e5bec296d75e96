package utils

import (
	"github.com/google/uuid"
)

// NewJobID 生成任务ID
func NewJobID() string {
	return uuid.NewString()
}
