package quest

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cmdhema/lootpang-agent-llm/internal/config"
	xerrors "github.com/cmdhema/lootpang-agent-llm/internal/errors"
	"github.com/cmdhema/lootpang-agent-llm/internal/ledger"
	"github.com/cmdhema/lootpang-agent-llm/internal/web3"
	"github.com/cmdhema/lootpang-agent-llm/pkg/logger"
)

// Service 把任务完成与奖励发放串起来。奖励通过中继账户在发行链上
// 转出代币。
type Service struct {
	store    Store
	issuance web3.Client
	token    common.Address
	log      *slog.Logger
}

// NewService 创建 Service。
func NewService(store Store, issuance web3.Client, contracts config.ContractsConfig) *Service {
	return &Service{
		store:    store,
		issuance: issuance,
		token:    common.HexToAddress(contracts.IssuedToken),
		log:      logger.Named("quest"),
	}
}

// Quests 列出任务目录。
func (s *Service) Quests(ctx context.Context, onlyActive bool) ([]*Quest, error) {
	return s.store.ListQuests(ctx, onlyActive)
}

// Completions 列出用户的完成记录。
func (s *Service) Completions(ctx context.Context, userID string) ([]*Completion, error) {
	return s.store.ListCompletions(ctx, userID)
}

// Complete 登记一次任务完成，返回新的完成记录。
func (s *Service) Complete(ctx context.Context, questID, userID string) (*Completion, error) {
	c := &Completion{
		ID:      uuid.NewString(),
		QuestID: questID,
		UserID:  userID,
		Status:  StatusPending,
	}
	if err := s.store.RecordCompletion(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info("任务完成登记", "quest", questID, "user", userID, "completion", c.ID)
	return c, nil
}

// Claim 发放完成记录对应的奖励。领取状态先行更新，代币转账失败时
// 记录会留在 CLAIMED 之前的状态供重试。
func (s *Service) Claim(ctx context.Context, completionID string) (*Completion, error) {
	c, err := s.store.GetCompletion(ctx, completionID)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusClaimed {
		return nil, ErrAlreadyClaimed
	}
	if !common.IsHexAddress(c.UserID) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户标识不是钱包地址",
			xerrors.WithMetadata("user", c.UserID))
	}

	q, err := s.store.GetQuest(ctx, c.QuestID)
	if err != nil {
		return nil, err
	}
	reward, err := decimal.NewFromString(q.RewardTokens)
	if err != nil || !reward.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务奖励配置非法",
			xerrors.WithMetadata("quest", q.ID))
	}

	result, err := s.issuance.TokenTransfer(ctx, s.token, common.HexToAddress(c.UserID), ledger.ToWei(reward))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailure, err, "奖励转账失败",
			xerrors.WithMetadata("quest", q.ID), xerrors.WithMetadata("user", c.UserID))
	}

	txHash := result.TxHash.Hex()
	if err := s.store.MarkClaimed(ctx, completionID, txHash); err != nil {
		// 转账已上链但记录未更新，必须告警人工对账。
		s.log.Error("奖励已发放但状态更新失败", "completion", completionID, "tx", txHash, "error", err)
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "奖励状态更新失败",
			xerrors.WithAlert(true), xerrors.WithMetadata("tx", txHash))
	}

	c.Status = StatusClaimed
	c.TxHash = txHash
	s.log.Info("奖励发放完成", "quest", q.ID, "user", c.UserID, "tx", txHash)
	return c, nil
}
