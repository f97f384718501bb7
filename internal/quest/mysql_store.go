package quest

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/cmdhema/lootpang-agent-llm/internal/errors"
)

// MySQLStore 使用 MySQL 持久化任务目录与完成记录。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore 并应用表结构迁移。
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// CreateQuest 插入任务。
func (s *MySQLStore) CreateQuest(ctx context.Context, q *Quest) error {
	if q == nil || strings.TrimSpace(q.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := time.Now().Unix()
	q.CreatedAt = now
	q.UpdatedAt = now

	const stmt = `INSERT INTO quests (id, title, description, reward_tokens, active, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, q.ID, q.Title, q.Description, q.RewardTokens, q.Active, q.CreatedAt, q.UpdatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrQuestConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// GetQuest 查询任务。
func (s *MySQLStore) GetQuest(ctx context.Context, id string) (*Quest, error) {
	const stmt = `SELECT id, title, description, reward_tokens, active, created_at, updated_at
        FROM quests WHERE id = ?`

	var q Quest
	err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&q.ID, &q.Title, &q.Description, &q.RewardTokens, &q.Active, &q.CreatedAt, &q.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuestNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return &q, nil
}

// ListQuests 按创建时间列出任务。
func (s *MySQLStore) ListQuests(ctx context.Context, onlyActive bool) ([]*Quest, error) {
	stmt := `SELECT id, title, description, reward_tokens, active, created_at, updated_at
        FROM quests ORDER BY created_at, id`
	if onlyActive {
		stmt = `SELECT id, title, description, reward_tokens, active, created_at, updated_at
        FROM quests WHERE active = 1 ORDER BY created_at, id`
	}

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var out []*Quest
	for rows.Next() {
		var q Quest
		if err := rows.Scan(&q.ID, &q.Title, &q.Description, &q.RewardTokens, &q.Active, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描任务行失败")
		}
		out = append(out, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	return out, nil
}

// RecordCompletion 登记完成记录，同一用户同一任务只允许一条。
func (s *MySQLStore) RecordCompletion(ctx context.Context, c *Completion) error {
	if c == nil || strings.TrimSpace(c.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "完成记录 ID 不能为空")
	}
	if _, err := s.GetQuest(ctx, c.QuestID); err != nil {
		return err
	}
	now := time.Now().Unix()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusPending
	}

	const stmt = `INSERT INTO quest_completions (id, quest_id, user_id, status, tx_hash, created_at, updated_at)
        VALUES (?, ?, ?, ?, '', ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, c.ID, c.QuestID, c.UserID, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAlreadyCompleted
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入完成记录失败")
	}
	return nil
}

// GetCompletion 查询完成记录。
func (s *MySQLStore) GetCompletion(ctx context.Context, id string) (*Completion, error) {
	const stmt = `SELECT id, quest_id, user_id, status, tx_hash, created_at, updated_at
        FROM quest_completions WHERE id = ?`

	var c Completion
	err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&c.ID, &c.QuestID, &c.UserID, &c.Status, &c.TxHash, &c.CreatedAt, &c.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrCompletionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询完成记录失败")
	}
	return &c, nil
}

// ListCompletions 列出用户的完成记录。
func (s *MySQLStore) ListCompletions(ctx context.Context, userID string) ([]*Completion, error) {
	const stmt = `SELECT id, quest_id, user_id, status, tx_hash, created_at, updated_at
        FROM quest_completions WHERE user_id = ? ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, stmt, userID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询完成记录失败")
	}
	defer rows.Close()

	var out []*Completion
	for rows.Next() {
		var c Completion
		if err := rows.Scan(&c.ID, &c.QuestID, &c.UserID, &c.Status, &c.TxHash, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描完成记录失败")
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历完成记录失败")
	}
	return out, nil
}

// MarkClaimed 以 CAS 方式标记奖励已领取，避免重复发放。
func (s *MySQLStore) MarkClaimed(ctx context.Context, id, txHash string) error {
	const stmt = `UPDATE quest_completions SET status = ?, tx_hash = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, stmt, StatusClaimed, txHash, time.Now().Unix(), id, StatusPending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新完成记录失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		if _, getErr := s.GetCompletion(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyClaimed
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
