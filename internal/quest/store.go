package quest

import "context"

// Store 抽象任务目录与完成记录的持久化。
type Store interface {
	CreateQuest(ctx context.Context, q *Quest) error
	GetQuest(ctx context.Context, id string) (*Quest, error)
	ListQuests(ctx context.Context, onlyActive bool) ([]*Quest, error)

	RecordCompletion(ctx context.Context, c *Completion) error
	GetCompletion(ctx context.Context, id string) (*Completion, error)
	ListCompletions(ctx context.Context, userID string) ([]*Completion, error)
	MarkClaimed(ctx context.Context, id, txHash string) error

	Close() error
}
