// Package quest 管理任务目录与用户完成记录，奖励以发行链代币发放。
package quest

import (
	"errors"
)

// Status 是完成记录的领取状态。
type Status string

const (
	StatusPending Status = "PENDING"
	StatusClaimed Status = "CLAIMED"
)

var (
	// ErrQuestNotFound 表示任务不存在。
	ErrQuestNotFound = errors.New("quest not found")
	// ErrCompletionNotFound 表示完成记录不存在。
	ErrCompletionNotFound = errors.New("completion not found")
	// ErrQuestConflict 表示任务 ID 冲突。
	ErrQuestConflict = errors.New("quest already exists")
	// ErrAlreadyCompleted 表示同一用户重复完成同一任务。
	ErrAlreadyCompleted = errors.New("quest already completed by user")
	// ErrAlreadyClaimed 表示奖励已领取。
	ErrAlreadyClaimed = errors.New("reward already claimed")
)

// Quest 是一个可完成的任务。RewardTokens 是十进制字符串表示的代币数量。
type Quest struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	RewardTokens string `json:"rewardTokens"`
	Active       bool   `json:"active"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// Completion 是某个用户对某个任务的完成记录。
type Completion struct {
	ID        string `json:"id"`
	QuestID   string `json:"questId"`
	UserID    string `json:"userId"`
	Status    Status `json:"status"`
	TxHash    string `json:"txHash,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}
