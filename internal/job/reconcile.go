package job

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"coinledger/internal/config"
	"coinledger/internal/model"
	"coinledger/internal/repository"
)

// Reconciler 由 SettlementService 实现
type Reconciler interface {
	ReconcilePending(ctx context.Context, order *model.CoinOrder) error
}

// PendingOrderReconcileJob 补偿 webhook 和 verify 都没有到达的订单
// 只处理创建时间早于 ReconcileAfter 的 pending 订单，给正常路径留出时间
type PendingOrderReconcileJob struct {
	orders     repository.OrderRepository
	reconciler Reconciler
	stopCh     chan struct{}
	doneCh     chan struct{}
	stopOnce   sync.Once
	interval   time.Duration
	after      time.Duration
	batchSize  int
	now        func() time.Time
}

func NewPendingOrderReconcileJob(orders repository.OrderRepository, reconciler Reconciler, cfg *config.Config) *PendingOrderReconcileJob {
	interval := cfg.Business.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &PendingOrderReconcileJob{
		orders:     orders,
		reconciler: reconciler,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		interval:   interval,
		after:      cfg.Business.ReconcileAfter,
		batchSize:  50,
		now:        time.Now,
	}
}

func (j *PendingOrderReconcileJob) Start(ctx context.Context) {
	defer close(j.doneCh)
	log.Info().Str("job", "pending_reconcile").Dur("interval", j.interval).Msg("对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("job", "pending_reconcile").Msg("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Info().Str("job", "pending_reconcile").Msg("任务停止")
			return
		case <-ticker.C:
			j.reconcile(ctx)
		}
	}
}

// Stop 通知任务退出并等待正在处理的批次结束，只能在 Start 之后调用
func (j *PendingOrderReconcileJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

func (j *PendingOrderReconcileJob) reconcile(ctx context.Context) {
	orders, err := j.orders.ListPendingBefore(ctx, j.now().Add(-j.after), j.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("查询待对账订单失败")
		return
	}
	if len(orders) == 0 {
		return
	}

	log.Info().Int("count", len(orders)).Msg("发现待对账订单")

	var failed int
	for _, order := range orders {
		if ctx.Err() != nil {
			return
		}
		if err := j.reconciler.ReconcilePending(ctx, order); err != nil {
			failed++
			log.Warn().Err(err).Str("order_id", order.GatewayOrderID).Int64("user_id", order.UserID).Msg("订单对账失败")
		}
	}

	log.Info().Int("count", len(orders)).Int("failed", failed).Msg("本轮对账完成")
}
