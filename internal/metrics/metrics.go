package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 服务的 Prometheus 指标
// 所有方法在 nil 接收者上都是空操作，方便测试时不注册指标
type Metrics struct {
	SettlementsTotal    *prometheus.CounterVec
	CoinsCreditedTotal  prometheus.Counter
	PurchasesTotal      *prometheus.CounterVec
	CoinsSpentTotal     prometheus.Counter
	FirstReadsTotal     prometheus.Counter
	WebhookEventsTotal  *prometheus.CounterVec
	OutboxSendsTotal    *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinledger_settlements_total",
				Help: "Order finalize attempts by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		CoinsCreditedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coinledger_coins_credited_total",
				Help: "Coins credited by completed orders",
			},
		),
		PurchasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinledger_item_purchases_total",
				Help: "Item purchase attempts by outcome",
			},
			[]string{"outcome"},
		),
		CoinsSpentTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coinledger_coins_spent_total",
				Help: "Coins debited by item purchases",
			},
		),
		FirstReadsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coinledger_first_reads_total",
				Help: "Distinct (item, actor) reads counted",
			},
		),
		WebhookEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinledger_webhook_events_total",
				Help: "Inbound gateway webhook events by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		OutboxSendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinledger_outbox_sends_total",
				Help: "Outbox publish attempts by topic and outcome",
			},
			[]string{"topic", "outcome"},
		),
		GatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coinledger_gateway_call_duration_seconds",
				Help:    "Duration of payment gateway calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
			},
			[]string{"operation", "outcome"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinledger_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coinledger_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

func (m *Metrics) ObserveSettlement(channel, outcome string, coins int64) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(channel, outcome).Inc()
	if coins > 0 {
		m.CoinsCreditedTotal.Add(float64(coins))
	}
}

func (m *Metrics) ObservePurchase(outcome string, price int64) {
	if m == nil {
		return
	}
	m.PurchasesTotal.WithLabelValues(outcome).Inc()
	if price > 0 {
		m.CoinsSpentTotal.Add(float64(price))
	}
}

func (m *Metrics) ObserveFirstRead() {
	if m == nil {
		return
	}
	m.FirstReadsTotal.Inc()
}

func (m *Metrics) ObserveWebhook(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveOutboxSend(topic, outcome string) {
	if m == nil {
		return
	}
	m.OutboxSendsTotal.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) ObserveGatewayCall(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCallDuration.WithLabelValues(operation, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
