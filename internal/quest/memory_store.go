package quest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "github.com/cmdhema/lootpang-agent-llm/internal/errors"
)

// MemoryStore 是进程内实现，适合开发环境与测试。
type MemoryStore struct {
	mu          sync.RWMutex
	quests      map[string]*Quest
	completions map[string]*Completion
	// byUserQuest 防止同一用户重复完成同一任务。
	byUserQuest map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quests:      make(map[string]*Quest),
		completions: make(map[string]*Completion),
		byUserQuest: make(map[string]string),
	}
}

// CreateQuest 登记一个任务。
func (s *MemoryStore) CreateQuest(_ context.Context, q *Quest) error {
	if q == nil || strings.TrimSpace(q.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quests[q.ID]; ok {
		return ErrQuestConflict
	}
	now := time.Now().Unix()
	q.CreatedAt = now
	q.UpdatedAt = now
	clone := *q
	s.quests[q.ID] = &clone
	return nil
}

// GetQuest 查询任务。
func (s *MemoryStore) GetQuest(_ context.Context, id string) (*Quest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quests[id]
	if !ok {
		return nil, ErrQuestNotFound
	}
	clone := *q
	return &clone, nil
}

// ListQuests 按创建时间列出任务。
func (s *MemoryStore) ListQuests(_ context.Context, onlyActive bool) ([]*Quest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Quest, 0, len(s.quests))
	for _, q := range s.quests {
		if onlyActive && !q.Active {
			continue
		}
		clone := *q
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// RecordCompletion 登记一条完成记录。
func (s *MemoryStore) RecordCompletion(_ context.Context, c *Completion) error {
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "完成记录 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quests[c.QuestID]; !ok {
		return ErrQuestNotFound
	}
	key := c.UserID + "/" + c.QuestID
	if _, ok := s.byUserQuest[key]; ok {
		return ErrAlreadyCompleted
	}
	now := time.Now().Unix()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusPending
	}
	clone := *c
	s.completions[c.ID] = &clone
	s.byUserQuest[key] = c.ID
	return nil
}

// GetCompletion 查询完成记录。
func (s *MemoryStore) GetCompletion(_ context.Context, id string) (*Completion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.completions[id]
	if !ok {
		return nil, ErrCompletionNotFound
	}
	clone := *c
	return &clone, nil
}

// ListCompletions 列出用户的完成记录。
func (s *MemoryStore) ListCompletions(_ context.Context, userID string) ([]*Completion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Completion, 0)
	for _, c := range s.completions {
		if c.UserID != userID {
			continue
		}
		clone := *c
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// MarkClaimed 把完成记录标记为已领取。
func (s *MemoryStore) MarkClaimed(_ context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.completions[id]
	if !ok {
		return ErrCompletionNotFound
	}
	if c.Status == StatusClaimed {
		return ErrAlreadyClaimed
	}
	c.Status = StatusClaimed
	c.TxHash = txHash
	c.UpdatedAt = time.Now().Unix()
	return nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
