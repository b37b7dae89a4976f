package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"coinledger/internal/config"
	"coinledger/internal/dedup"
	"coinledger/internal/gateway"
	"coinledger/internal/infrastructure/lock"
	"coinledger/internal/metrics"
	"coinledger/internal/model"
	"coinledger/internal/repository"
	"coinledger/pkg/idgen"
)

const (
	ChannelVerify    = "verify"
	ChannelWebhook   = "webhook"
	ChannelReconcile = "reconcile"
)

// OrderLocker 按网关订单号串行化结算，可以为空
type OrderLocker interface {
	LockOrder(ctx context.Context, gatewayOrderID string) (unlock func(), err error)
}

// SettlementService 硬币订单的创建和结算
//
// FinalizeOrder 是 verify、webhook、对账三条路径共用的唯一入口，
// 同一订单无论调用多少次、以什么顺序调用，余额只会增加一次：
//  1. 订单已完成直接返回（快速路径）
//  2. 网关 capture 在数据库锁之外完成
//  3. 事务内锁住用户余额行，重新读取订单，只有 pending -> completed 的 CAS 成功才入账
type SettlementService struct {
	store   repository.Store
	gateway gateway.Gateway
	locker  OrderLocker
	cfg     *config.Config
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewSettlementService(store repository.Store, gw gateway.Gateway, locker OrderLocker, cfg *config.Config, m *metrics.Metrics) *SettlementService {
	return &SettlementService{
		store:   store,
		gateway: gw,
		locker:  locker,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

type CreateOrderRequest struct {
	UserID     int64
	CoinAmount int64
	AmountPaid float64 // 货币单位，如 4.99
	ReturnURL  string
	CancelURL  string
}

type CreateOrderResult struct {
	PurchaseID  int64  `json:"purchaseId"`
	OrderID     string `json:"orderId"`
	ApprovalURL string `json:"approvalUrl"`
}

// CreateOrder 先在网关下单，成功后才保存 pending 订单
// 网关失败或超时不会留下任何记录
func (s *SettlementService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResult, error) {
	if req.UserID <= 0 {
		return nil, invalid("用户ID无效")
	}
	if req.CoinAmount <= 0 {
		return nil, invalid("coinAmount 必须大于0")
	}
	if limit := s.cfg.Business.MaxCoinAmount; limit > 0 && req.CoinAmount > limit {
		return nil, invalid("coinAmount 不能超过 %d", limit)
	}
	cents, ok := toCents(req.AmountPaid)
	if !ok || cents <= 0 {
		return nil, invalid("amountPaid 必须大于0")
	}

	returnURL, cancelURL := req.ReturnURL, req.CancelURL
	base := strings.TrimRight(s.cfg.Client.BaseURL, "/")
	if returnURL == "" {
		returnURL = base + "/purchase/success"
	}
	if cancelURL == "" {
		cancelURL = base + "/purchase/cancel"
	}

	if err := ensureAccount(ctx, s.store, req.UserID, s.cfg.Business.InitialCoinBalance); err != nil {
		return nil, err
	}

	created, err := s.gateway.CreateOrder(ctx, gateway.CreateOrderRequest{
		AmountCents: cents,
		Currency:    s.cfg.PayPal.Currency,
		Description: fmt.Sprintf("Purchase %d coins", req.CoinAmount),
		ReturnURL:   returnURL,
		CancelURL:   cancelURL,
	})
	if err != nil {
		log.Warn().Err(err).Int64("user_id", req.UserID).Msg("网关下单失败")
		return nil, mapGatewayErr(err)
	}

	order := &model.CoinOrder{
		ID:              idgen.NextID(),
		UserID:          req.UserID,
		CoinAmount:      req.CoinAmount,
		AmountPaidCents: cents,
		Currency:        s.cfg.PayPal.Currency,
		Provider:        s.gateway.ProviderID(),
		GatewayOrderID:  created.OrderID,
		Status:          model.OrderStatusPending,
		ApprovalURL:     created.ApprovalURL,
	}
	if err := s.store.Orders().Create(ctx, order); err != nil {
		return nil, fmt.Errorf("保存订单失败: %w", err)
	}

	log.Info().
		Int64("purchase_id", order.ID).
		Str("order_id", order.GatewayOrderID).
		Int64("user_id", order.UserID).
		Int64("coin_amount", order.CoinAmount).
		Msg("硬币订单已创建")

	return &CreateOrderResult{
		PurchaseID:  order.ID,
		OrderID:     order.GatewayOrderID,
		ApprovalURL: order.ApprovalURL,
	}, nil
}

type FinalizeRequest struct {
	GatewayOrderID string
	// UserID 不为0时校验订单归属，webhook 路径为0
	UserID int64
	// CaptureID 为空时调用网关 capture，webhook 路径由事件携带
	CaptureID string
	Channel   string
}

type FinalizeResult struct {
	Order            *model.CoinOrder
	AlreadyCompleted bool
	NewBalance       int64
}

func (s *SettlementService) FinalizeOrder(ctx context.Context, req *FinalizeRequest) (result *FinalizeResult, err error) {
	if req.GatewayOrderID == "" {
		return nil, invalid("orderId 不能为空")
	}

	defer func() {
		var credited int64
		if err == nil && !result.AlreadyCompleted {
			credited = result.Order.CoinAmount
		}
		s.metrics.ObserveSettlement(req.Channel, settlementOutcome(result, err), credited)
	}()

	order, err := s.loadOrder(ctx, req.GatewayOrderID, req.UserID)
	if err != nil {
		return nil, err
	}
	if done, res, err := s.settled(ctx, order, req.CaptureID); done {
		return res, err
	}

	if s.locker != nil {
		unlock, err := s.locker.LockOrder(ctx, req.GatewayOrderID)
		switch {
		case err == nil:
			defer unlock()
			// 等锁期间可能已经被另一条路径完成
			if order, err = s.loadOrder(ctx, req.GatewayOrderID, req.UserID); err != nil {
				return nil, err
			}
			if done, res, err := s.settled(ctx, order, req.CaptureID); done {
				return res, err
			}
		case errors.Is(err, lock.ErrLockFailed):
			return nil, fmt.Errorf("%w: 订单正在结算", ErrBusy)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			// Redis 不可用时只靠数据库行锁
			log.Warn().Err(err).Str("order_id", req.GatewayOrderID).Msg("订单锁不可用，继续结算")
		}
	}

	captureID := req.CaptureID
	if captureID == "" {
		if captureID, err = s.capture(ctx, order); err != nil {
			return nil, err
		}
	}

	if order.GatewayCaptureID != "" && order.GatewayCaptureID != captureID {
		return nil, s.mismatch(order, captureID)
	}

	return s.credit(ctx, order, captureID, req.Channel)
}

func (s *SettlementService) loadOrder(ctx context.Context, gatewayOrderID string, userID int64) (*model.CoinOrder, error) {
	order, err := s.store.Orders().GetByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, gatewayOrderID)
		}
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	if userID != 0 && order.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, gatewayOrderID)
	}
	return order, nil
}

// settled 订单已经处于终态时返回 done=true
func (s *SettlementService) settled(ctx context.Context, order *model.CoinOrder, captureID string) (bool, *FinalizeResult, error) {
	switch order.Status {
	case model.OrderStatusPending:
		return false, nil, nil
	case model.OrderStatusCompleted:
		if captureID != "" && order.GatewayCaptureID != "" && captureID != order.GatewayCaptureID {
			return true, nil, s.mismatch(order, captureID)
		}
		account, err := s.store.Accounts().GetByUserID(ctx, order.UserID)
		if err != nil {
			return true, nil, fmt.Errorf("查询余额失败: %w", err)
		}
		return true, &FinalizeResult{Order: order, AlreadyCompleted: true, NewBalance: account.Balance}, nil
	default:
		return true, nil, fmt.Errorf("%w: 订单 %s 状态为 %s", ErrOrderNotPending, order.GatewayOrderID, order.Status)
	}
}

func (s *SettlementService) mismatch(order *model.CoinOrder, captureID string) error {
	log.Warn().
		Str("order_id", order.GatewayOrderID).
		Str("expected_capture_id", order.GatewayCaptureID).
		Str("capture_id", captureID).
		Msg("capture ID 不匹配")
	return fmt.Errorf("%w: 订单 %s", ErrCaptureMismatch, order.GatewayOrderID)
}

// capture 网关调用失败时订单保持 pending，只有网关明确返回非 COMPLETED 才标记失败
func (s *SettlementService) capture(ctx context.Context, order *model.CoinOrder) (string, error) {
	res, err := s.gateway.CaptureOrder(ctx, order.GatewayOrderID)
	if err != nil {
		switch gateway.IssueOf(err) {
		case gateway.IssueOrderAlreadyCaptured:
			// 上一次 capture 已成功但响应丢失，查询订单拿到 captureID
			res, err = s.gateway.GetOrder(ctx, order.GatewayOrderID)
		case gateway.IssueOrderNotApproved:
			return "", fmt.Errorf("%w: 买家尚未确认支付", ErrPaymentNotCompleted)
		}
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("order_id", order.GatewayOrderID).
			Bool("timeout", gateway.IsTimeout(err)).
			Msg("capture 失败，订单保持 pending")
		return "", mapGatewayErr(err)
	}

	if !res.Completed() {
		s.markFailed(ctx, order.GatewayOrderID, res.Status)
		return "", fmt.Errorf("%w: capture 状态 %s", ErrPaymentNotCompleted, res.Status)
	}
	return res.CaptureID, nil
}

func (s *SettlementService) markFailed(ctx context.Context, gatewayOrderID, reason string) {
	err := s.store.Orders().UpdateStatus(ctx, gatewayOrderID, model.OrderStatusPending, model.OrderStatusFailed)
	switch {
	case err == nil:
		log.Warn().Str("order_id", gatewayOrderID).Str("reason", reason).Msg("订单标记为失败")
	case errors.Is(err, repository.ErrOrderStatusInvalid):
		// 另一条路径已经把订单推进到终态
		log.Info().Str("order_id", gatewayOrderID).Msg("订单已不是 pending，跳过标记失败")
	default:
		log.Error().Err(err).Str("order_id", gatewayOrderID).Msg("标记订单失败出错")
	}
}

// credit 锁住余额行后再检查订单状态，两个越过快速路径的并发调用只有一个能入账
func (s *SettlementService) credit(ctx context.Context, order *model.CoinOrder, captureID, channel string) (*FinalizeResult, error) {
	if err := ensureAccount(ctx, s.store, order.UserID, s.cfg.Business.InitialCoinBalance); err != nil {
		return nil, err
	}

	var (
		first      bool
		newBalance int64
	)
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		account, err := tx.Accounts().GetByUserIDForUpdate(ctx, order.UserID)
		if err != nil {
			return fmt.Errorf("锁定账户失败: %w", err)
		}
		current, err := tx.Orders().GetByGatewayOrderID(ctx, order.GatewayOrderID)
		if err != nil {
			return fmt.Errorf("查询订单失败: %w", err)
		}
		if current.IsCompleted() && current.GatewayCaptureID != captureID {
			return s.mismatch(current, captureID)
		}

		newBalance = account.Balance
		completedAt := s.now()

		first, err = dedup.Gate{
			Seen: func(context.Context) (bool, error) {
				switch current.Status {
				case model.OrderStatusCompleted:
					return true, nil
				case model.OrderStatusPending:
					return false, nil
				default:
					return false, fmt.Errorf("%w: 订单状态为 %s", ErrOrderNotPending, current.Status)
				}
			},
			Mark: func(ctx context.Context) error {
				if err := tx.Orders().Complete(ctx, current.GatewayOrderID, captureID, completedAt); err != nil {
					return fmt.Errorf("更新订单状态失败: %w", err)
				}
				return nil
			},
			Apply: func(ctx context.Context) error {
				if err := tx.Accounts().Increase(ctx, current.UserID, current.CoinAmount); err != nil {
					return fmt.Errorf("增加余额失败: %w", err)
				}
				newBalance = account.Balance + current.CoinAmount

				journal := &model.AccountTransaction{
					TransactionNo: idgen.GenerateTransactionNo(),
					UserID:        current.UserID,
					RefNo:         current.GatewayOrderID,
					Amount:        current.CoinAmount,
					Type:          model.TransactionTypeCoinPurchase,
					BalanceBefore: account.Balance,
					BalanceAfter:  newBalance,
					Remark:        fmt.Sprintf("购买硬币-%s", captureID),
				}
				if err := tx.Transactions().Create(ctx, journal); err != nil {
					return fmt.Errorf("记录流水失败: %w", err)
				}

				return enqueue(ctx, tx, s.cfg.Kafka.Topic.CoinsCredited, current.GatewayOrderID, model.CoinsCreditedEvent{
					TransactionID: uuid.NewString(),
					UserID:        current.UserID,
					PurchaseID:    current.ID,
					OrderID:       current.GatewayOrderID,
					CaptureID:     captureID,
					CoinAmount:    current.CoinAmount,
					AmountPaid:    formatCents(current.AmountPaidCents),
					Currency:      current.Currency,
					NewBalance:    newBalance,
					Channel:       channel,
					CompletedAt:   completedAt,
				})
			},
		}.Run(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.store.Orders().GetByGatewayOrderID(ctx, order.GatewayOrderID)
	if err != nil {
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}

	if first {
		log.Info().
			Str("order_id", updated.GatewayOrderID).
			Str("capture_id", captureID).
			Int64("user_id", updated.UserID).
			Int64("coins", updated.CoinAmount).
			Int64("new_balance", newBalance).
			Str("channel", channel).
			Msg("硬币已入账")
	} else {
		log.Info().Str("order_id", updated.GatewayOrderID).Str("channel", channel).Msg("订单已由其他请求完成")
	}

	return &FinalizeResult{Order: updated, AlreadyCompleted: !first, NewBalance: newBalance}, nil
}

type VerifyResult struct {
	Success      bool             `json:"success"`
	Message      string           `json:"message"`
	NewBalance   *int64           `json:"newBalance,omitempty"`
	CoinPurchase *model.CoinOrder `json:"coinPurchase,omitempty"`
}

// VerifyPayment 客户端从网关页面返回后主动确认支付
func (s *SettlementService) VerifyPayment(ctx context.Context, userID int64, gatewayOrderID string) (*VerifyResult, error) {
	if userID <= 0 {
		return nil, invalid("用户ID无效")
	}
	res, err := s.FinalizeOrder(ctx, &FinalizeRequest{
		GatewayOrderID: gatewayOrderID,
		UserID:         userID,
		Channel:        ChannelVerify,
	})
	if err != nil {
		return nil, err
	}

	message := "支付成功"
	if res.AlreadyCompleted {
		message = "支付已完成"
	}
	balance := res.NewBalance
	return &VerifyResult{
		Success:      true,
		Message:      message,
		NewBalance:   &balance,
		CoinPurchase: res.Order,
	}, nil
}

// AuthenticateWebhook 校验签名，失败时按事件ID从网关重新拉取事件确认真实性
// 回退路径返回的是网关上的事件而不是请求体
func (s *SettlementService) AuthenticateWebhook(ctx context.Context, headers http.Header, raw []byte) (*gateway.WebhookEvent, error) {
	var event gateway.WebhookEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, invalid("webhook 请求体不是合法 JSON")
	}

	if s.gateway.VerifyInboundSignature(ctx, headers, raw) {
		return &event, nil
	}

	if event.ID == "" {
		return nil, fmt.Errorf("%w: 签名无效且缺少事件ID", ErrUnauthenticated)
	}

	log.Warn().Str("event_id", event.ID).Msg("webhook 签名无效，尝试从网关拉取事件")
	fetched, err := s.gateway.GetWebhookEvent(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: 拉取事件失败: %w", ErrUnauthenticated, err)
	}
	if fetched.ID != event.ID {
		return nil, fmt.Errorf("%w: 事件ID不一致", ErrUnauthenticated)
	}
	return fetched, nil
}

// HandleWebhookEvent 只处理 PAYMENT.CAPTURE.COMPLETED，其他事件直接忽略
func (s *SettlementService) HandleWebhookEvent(ctx context.Context, event *gateway.WebhookEvent) error {
	if event.EventType != gateway.EventCaptureCompleted {
		log.Info().Str("event_id", event.ID).Str("event_type", event.EventType).Msg("忽略 webhook 事件")
		s.metrics.ObserveWebhook(event.EventType, "ignored")
		return nil
	}

	orderID, captureID, err := gateway.ParseCaptureResource(event.Resource)
	if err != nil {
		s.metrics.ObserveWebhook(event.EventType, "invalid")
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if orderID == "" || captureID == "" {
		s.metrics.ObserveWebhook(event.EventType, "invalid")
		return invalid("事件缺少订单号或 captureID")
	}

	res, err := s.FinalizeOrder(ctx, &FinalizeRequest{
		GatewayOrderID: orderID,
		CaptureID:      captureID,
		Channel:        ChannelWebhook,
	})
	if err != nil {
		s.metrics.ObserveWebhook(event.EventType, "error")
		return err
	}

	outcome := "credited"
	if res.AlreadyCompleted {
		outcome = "duplicate"
	}
	s.metrics.ObserveWebhook(event.EventType, outcome)
	return nil
}

func (s *SettlementService) ListUserOrders(ctx context.Context, userID int64) ([]*model.CoinOrder, error) {
	orders, err := s.store.Orders().ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	return orders, nil
}

func (s *SettlementService) GetUserOrder(ctx context.Context, userID, purchaseID int64) (*model.CoinOrder, error) {
	order, err := s.store.Orders().GetByID(ctx, purchaseID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// ReconcilePending 向网关查询长时间 pending 的订单
// webhook 和 verify 都丢失时由它补偿入账
func (s *SettlementService) ReconcilePending(ctx context.Context, order *model.CoinOrder) error {
	res, err := s.gateway.GetOrder(ctx, order.GatewayOrderID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			// 买家未确认的网关订单过期后会被删除
			s.markFailed(ctx, order.GatewayOrderID, "gateway order not found")
			return nil
		}
		return mapGatewayErr(err)
	}

	switch {
	case res.Completed():
		_, err = s.FinalizeOrder(ctx, &FinalizeRequest{
			GatewayOrderID: order.GatewayOrderID,
			CaptureID:      res.CaptureID,
			Channel:        ChannelReconcile,
		})
	case res.OrderStatus == gateway.OrderStatusApproved:
		_, err = s.FinalizeOrder(ctx, &FinalizeRequest{
			GatewayOrderID: order.GatewayOrderID,
			Channel:        ChannelReconcile,
		})
	case res.OrderStatus == gateway.OrderStatusVoided:
		s.markFailed(ctx, order.GatewayOrderID, res.OrderStatus)
	default:
		log.Debug().Str("order_id", order.GatewayOrderID).Str("status", res.OrderStatus).Msg("订单仍未完成")
	}
	return err
}

func mapGatewayErr(err error) error {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	case errors.Is(err, gateway.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
}

func settlementOutcome(res *FinalizeResult, err error) string {
	switch {
	case err == nil && res.AlreadyCompleted:
		return "already_completed"
	case err == nil:
		return "credited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPaymentNotCompleted):
		return "not_completed"
	case errors.Is(err, ErrCaptureMismatch):
		return "mismatch"
	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_error"
	default:
		return "error"
	}
}

func toCents(amount float64) (int64, bool) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount > math.MaxInt64/100 {
		return 0, false
	}
	return int64(math.Round(amount * 100)), true
}

func formatCents(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
