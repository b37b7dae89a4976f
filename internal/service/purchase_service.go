package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"coinledger/internal/config"
	"coinledger/internal/metrics"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/pkg/idgen"
)

// PurchaseService 用硬币购买付费内容
type PurchaseService struct {
	store   repository.Store
	cfg     *config.Config
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewPurchaseService(store repository.Store, cfg *config.Config, m *metrics.Metrics) *PurchaseService {
	return &PurchaseService{store: store, cfg: cfg, metrics: m, now: time.Now}
}

type PurchaseResult struct {
	RecordID         int64     `json:"recordId"`
	ItemID           string    `json:"itemId"`
	PurchaseDate     time.Time `json:"purchaseDate"`
	RemainingBalance int64     `json:"remainingBalance"`
}

// PurchaseItem 扣除硬币并生成购买凭证
// 是否已购买在加锁前后各检查一次，同一用户的并发购买在余额行锁上串行
func (s *PurchaseService) PurchaseItem(ctx context.Context, userID int64, itemID string) (result *PurchaseResult, err error) {
	var price int64
	defer func() {
		if err != nil {
			s.metrics.ObservePurchase(purchaseOutcome(err), 0)
			return
		}
		s.metrics.ObservePurchase(purchaseOutcome(nil), price)
	}()

	if userID <= 0 {
		return nil, invalid("用户ID无效")
	}
	if itemID == "" {
		return nil, invalid("itemId 不能为空")
	}

	item, err := s.store.Items().GetByID(ctx, itemID)
	if err != nil {
		if errors.Is(err, repository.ErrItemNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		return nil, fmt.Errorf("查询内容失败: %w", err)
	}
	if !item.IsPremium {
		return nil, ErrNotPurchasable
	}
	price = s.priceOf(item)

	purchased, err := s.store.Purchases().Exists(ctx, userID, itemID)
	if err != nil {
		return nil, fmt.Errorf("查询购买记录失败: %w", err)
	}
	if purchased {
		return nil, ErrAlreadyPurchased
	}

	if err := ensureAccount(ctx, s.store, userID, s.cfg.Business.InitialCoinBalance); err != nil {
		return nil, err
	}

	record := &model.PurchaseRecord{
		ID:           idgen.NextID(),
		UserID:       userID,
		ItemID:       itemID,
		PriceCharged: price,
		PurchasedAt:  s.now(),
	}
	var remaining int64

	err = s.store.Transaction(ctx, func(tx repository.Store) error {
		account, err := tx.Accounts().GetByUserIDForUpdate(ctx, userID)
		if err != nil {
			return fmt.Errorf("锁定账户失败: %w", err)
		}

		// 加锁前的检查可能和另一笔购买同时通过
		purchased, err := tx.Purchases().Exists(ctx, userID, itemID)
		if err != nil {
			return fmt.Errorf("查询购买记录失败: %w", err)
		}
		if purchased {
			return ErrAlreadyPurchased
		}

		if account.Balance < price {
			return &InsufficientFundsError{Required: price, Available: account.Balance}
		}

		if err := tx.Accounts().Deduct(ctx, userID, price); err != nil {
			if errors.Is(err, repository.ErrBalanceNotEnough) {
				return &InsufficientFundsError{Required: price, Available: account.Balance}
			}
			return fmt.Errorf("扣减余额失败: %w", err)
		}
		remaining = account.Balance - price

		if err := tx.Purchases().Create(ctx, record); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrAlreadyPurchased
			}
			return fmt.Errorf("保存购买记录失败: %w", err)
		}

		journal := &model.AccountTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        userID,
			RefNo:         fmt.Sprintf("%d", record.ID),
			Amount:        -price,
			Type:          model.TransactionTypeItemPurchase,
			BalanceBefore: account.Balance,
			BalanceAfter:  remaining,
			Remark:        fmt.Sprintf("购买内容-%s", itemID),
		}
		if err := tx.Transactions().Create(ctx, journal); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return enqueue(ctx, tx, s.cfg.Kafka.Topic.ItemPurchased, fmt.Sprintf("%d", userID), model.ItemPurchasedEvent{
			TransactionID:    uuid.NewString(),
			UserID:           userID,
			RecordID:         record.ID,
			ItemID:           itemID,
			PriceCharged:     price,
			RemainingBalance: remaining,
			PurchasedAt:      record.PurchasedAt,
		})
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			log.Info().Int64("user_id", userID).Str("item_id", itemID).Err(err).Msg("余额不足")
		}
		return nil, err
	}

	log.Info().
		Int64("user_id", userID).
		Str("item_id", itemID).
		Int64("price", price).
		Int64("remaining", remaining).
		Msg("内容购买成功")

	return &PurchaseResult{
		RecordID:         record.ID,
		ItemID:           itemID,
		PurchaseDate:     record.PurchasedAt,
		RemainingBalance: remaining,
	}, nil
}

func (s *PurchaseService) HasPurchased(ctx context.Context, userID int64, itemID string) (bool, error) {
	if userID <= 0 {
		return false, nil
	}
	ok, err := s.store.Purchases().Exists(ctx, userID, itemID)
	if err != nil {
		return false, fmt.Errorf("查询购买记录失败: %w", err)
	}
	return ok, nil
}

func (s *PurchaseService) ListUserPurchases(ctx context.Context, userID int64) ([]*model.PurchaseRecord, error) {
	records, err := s.store.Purchases().ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询购买记录失败: %w", err)
	}
	return records, nil
}

// priceOf 未定价的付费内容按默认价格出售
func (s *PurchaseService) priceOf(item *model.Item) int64 {
	if item.PriceInCoins > 0 {
		return item.PriceInCoins
	}
	return s.cfg.Business.DefaultItemPrice
}

func purchaseOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAlreadyPurchased):
		return "already_purchased"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotPurchasable):
		return "not_purchasable"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
