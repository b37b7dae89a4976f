package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Observe(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSettlement("webhook", "credited", 100)
	m.ObserveSettlement("verify", "already_completed", 0)
	m.ObservePurchase("success", 20)
	m.ObserveGatewayCall("capture_order", "ok", 120*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SettlementsTotal.WithLabelValues("webhook", "credited")))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.CoinsCreditedTotal))
	assert.Equal(t, float64(20), testutil.ToFloat64(m.CoinsSpentTotal))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSettlement("verify", "credited", 1)
		m.ObservePurchase("success", 1)
		m.ObserveFirstRead()
		m.ObserveWebhook("x", "ignored")
		m.ObserveOutboxSend("t", "sent")
		m.ObserveGatewayCall("op", "ok", time.Second)
		m.ObserveHTTPRequest("GET", "/", "200", time.Second)
	})
}
