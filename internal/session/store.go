package session

import (
	"sync"
	"time"
)

const (
	// historyLimit 限制有界历史的长度，超出后从最旧一侧淘汰。
	historyLimit = 20
	// txLogLimit 限制每用户交易日志的长度，FIFO 淘汰。
	txLogLimit = 10
)

// Store 以内存方式保存每用户会话，进程重启即丢失（用户重新发起借款即可）。
// 同一用户的消息通过 Lock/Unlock 串行化，不同用户完全并行。
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*UserSession
	txLogs   map[string][]TransactionRecord

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewStore 创建 Store。
func NewStore() *Store {
	return &Store{
		sessions:  make(map[string]*UserSession),
		txLogs:    make(map[string][]TransactionRecord),
		userLocks: make(map[string]*sync.Mutex),
	}
}

// Lock 获取指定用户的串行化锁。编排器在处理一条消息的整个回合内持有它，
// 因此同一用户的两条并发消息会被严格排序。
func (s *Store) Lock(userID string) {
	s.userLock(userID).Lock()
}

// Unlock 释放指定用户的串行化锁。
func (s *Store) Unlock(userID string) {
	s.userLock(userID).Unlock()
}

func (s *Store) userLock(userID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

// Get 返回用户会话的副本，不存在时创建缺省的 IDLE 会话。永不失败。
func (s *Store) Get(userID string) *UserSession {
	s.mu.RLock()
	sess, ok := s.sessions[userID]
	if ok {
		clone := cloneSession(sess)
		s.mu.RUnlock()
		return clone
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[userID]; ok {
		return cloneSession(sess)
	}
	created := &UserSession{
		UserID:  userID,
		State:   StateIdle,
		Context: make(map[string]string),
	}
	s.sessions[userID] = created
	return cloneSession(created)
}

// Update 将部分更新合并进会话，对随后的 Get 立即可见。
func (s *Store) Update(userID string, partial Partial) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.ensureLocked(userID)
	if partial.ClearContext {
		sess.Context = make(map[string]string)
	}
	for key, value := range partial.Context {
		sess.Context[key] = value
	}
	if partial.State != nil {
		sess.State = *partial.State
	}
}

// Reset 将会话恢复到 IDLE 并清空上下文，用于管理操作或流程完结。
func (s *Store) Reset(userID string) {
	idle := StateIdle
	s.Update(userID, Partial{State: &idle, ClearContext: true})
}

// AppendHistory 追加一条历史消息，超出上限时淘汰最旧的条目。
func (s *Store) AppendHistory(userID string, role Role, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.ensureLocked(userID)
	sess.History = append(sess.History, HistoryEntry{
		Role:      role,
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
	if len(sess.History) > historyLimit {
		sess.History = sess.History[len(sess.History)-historyLimit:]
	}
}

// RecordTransaction 在用户的交易日志中追加一条记录，最多保留 txLogLimit 条。
func (s *Store) RecordTransaction(userID string, record TransactionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.Status == "" {
		record.Status = TxStatusPending
	}

	log := append(s.txLogs[userID], record)
	if len(log) > txLogLimit {
		log = log[len(log)-txLogLimit:]
	}
	s.txLogs[userID] = log
}

// UpdateTransaction 更新指定交易哈希的状态，找不到时静默忽略。
func (s *Store) UpdateTransaction(userID, txHash string, status TransactionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.txLogs[userID]
	for i := range log {
		if log[i].TxHash == txHash {
			log[i].Status = status
			log[i].UpdatedAt = time.Now().Unix()
			return
		}
	}
}

// Transactions 返回用户交易日志的副本，按写入顺序排列。
func (s *Store) Transactions(userID string) []TransactionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.txLogs[userID]
	clone := make([]TransactionRecord, len(log))
	copy(clone, log)
	return clone
}

func (s *Store) ensureLocked(userID string) *UserSession {
	sess, ok := s.sessions[userID]
	if !ok {
		sess = &UserSession{
			UserID:  userID,
			State:   StateIdle,
			Context: make(map[string]string),
		}
		s.sessions[userID] = sess
	}
	return sess
}

func cloneSession(sess *UserSession) *UserSession {
	clone := &UserSession{
		UserID: sess.UserID,
		State:  sess.State,
	}
	clone.Context = make(map[string]string, len(sess.Context))
	for k, v := range sess.Context {
		clone.Context[k] = v
	}
	clone.History = make([]HistoryEntry, len(sess.History))
	copy(clone.History, sess.History)
	return clone
}
