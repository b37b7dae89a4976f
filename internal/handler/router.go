package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coinledger/internal/config"
	"coinledger/internal/metrics"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, cfg *config.Config, m *metrics.Metrics, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware(m))
	r.Use(CORSMiddleware())

	user := UserAuth(true)

	api := r.Group("/api/v1")
	{
		account := api.Group("/account", user)
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/transactions", h.ListTransactions)
		}

		coins := api.Group("/payment/coins", user)
		{
			coins.POST("/create-order", h.CreateCoinOrder)
			coins.POST("/verify", h.VerifyPayment)
			coins.GET("/purchases", h.ListCoinOrders)
			coins.GET("/purchase/:purchaseId", h.GetCoinOrder)
		}

		webhook := api.Group("/payment/webhook")
		{
			// 网关回调，靠签名认证
			webhook.POST("/paypal", h.PayPalWebhook)

			admin := webhook.Group("", AdminAuth(cfg.Server.AdminToken))
			admin.POST("/register", h.RegisterWebhook)
			admin.GET("/list", h.ListWebhooks)
			admin.GET("/:id", h.GetWebhook)
			admin.POST("/:id/update", h.UpdateWebhook)
			admin.POST("/:id/delete", h.DeleteWebhook)
		}

		items := api.Group("/items")
		{
			items.GET("/purchases", user, h.ListItemPurchases)
			items.POST("/:itemId/purchase", user, h.PurchaseItem)
			items.GET("/:itemId/read", UserAuth(false), h.ReadItem)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
