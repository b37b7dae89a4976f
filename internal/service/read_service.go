package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"coinledger/internal/dedup"
	"coinledger/internal/metrics"
	"coinledger/internal/model"
	"coinledger/internal/repository"
)

// ReadService 内容阅读计数，同一个 actor 对同一内容只计一次
type ReadService struct {
	store     repository.Store
	purchases *PurchaseService
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewReadService(store repository.Store, purchases *PurchaseService, m *metrics.Metrics) *ReadService {
	return &ReadService{store: store, purchases: purchases, metrics: m, now: time.Now}
}

// TrackRead 返回本次是否为该 actor 的首次阅读
func (s *ReadService) TrackRead(ctx context.Context, itemID, actorKey string) (bool, error) {
	if itemID == "" || actorKey == "" {
		return false, invalid("itemId 和 actor 不能为空")
	}

	var first bool
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		if _, err := tx.Items().GetByIDForUpdate(ctx, itemID); err != nil {
			if errors.Is(err, repository.ErrItemNotFound) {
				return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
			}
			return fmt.Errorf("锁定内容失败: %w", err)
		}

		var err error
		first, err = dedup.Gate{
			Seen: func(ctx context.Context) (bool, error) {
				return tx.ReadMarks().Exists(ctx, itemID, actorKey)
			},
			Mark: func(ctx context.Context) error {
				return tx.ReadMarks().Create(ctx, &model.ReadMark{
					ItemID:   itemID,
					ActorKey: actorKey,
					MarkedAt: s.now(),
				})
			},
			Apply: func(ctx context.Context) error {
				return tx.Items().IncrementReadCount(ctx, itemID)
			},
		}.Run(ctx)
		return err
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// 唯一索引兜底，另一个请求已经写入标记
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if first {
		s.metrics.ObserveFirstRead()
		log.Debug().Str("item_id", itemID).Str("actor", actorKey).Msg("首次阅读")
	}
	return first, nil
}

type ItemView struct {
	Item      *model.Item `json:"item"`
	Purchased bool        `json:"purchased"`
	Locked    bool        `json:"locked"`
	FirstRead bool        `json:"firstRead"`
}

// ReadItem 记录阅读并返回内容和购买状态，userID 为0表示匿名访问
// 付费内容未购买时只返回 locked，不计阅读数
func (s *ReadService) ReadItem(ctx context.Context, userID int64, itemID, actorKey string) (*ItemView, error) {
	item, err := s.store.Items().GetByID(ctx, itemID)
	if err != nil {
		if errors.Is(err, repository.ErrItemNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
		}
		return nil, fmt.Errorf("查询内容失败: %w", err)
	}

	view := &ItemView{Item: item}
	if item.IsPremium {
		view.Purchased, err = s.purchases.HasPurchased(ctx, userID, itemID)
		if err != nil {
			return nil, err
		}
		view.Locked = !view.Purchased
	}
	if view.Locked {
		return view, nil
	}

	view.FirstRead, err = s.TrackRead(ctx, itemID, actorKey)
	if err != nil {
		return nil, err
	}
	if view.FirstRead {
		item.ReadCount++
	}
	return view, nil
}
