package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundescrow/internal/handler"
	"fundescrow/pkg/otel"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Handlers struct {
	Campaign  *handler.CampaignHandler
	Milestone *handler.MilestoneHandler
	Account   *handler.AccountHandler
	Admin     *handler.AdminHandler
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, jwtSecret string, checks map[string]ReadinessCheck) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), MetricsMiddleware())

	// Health endpoints go first, outside auth
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		for name, check := range checks {
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/campaigns", h.Campaign.Register)
		auth.GET("/campaigns/:id", h.Campaign.Get)
		auth.POST("/campaigns/:id/donations", h.Campaign.Donate)
		auth.POST("/campaigns/:id/milestones", h.Campaign.CreateMilestone)
		auth.GET("/campaigns/:id/milestones", h.Campaign.ListMilestones)

		auth.GET("/milestones/:id", h.Milestone.Get)
		auth.PUT("/milestones/:id", h.Milestone.Update)
		auth.POST("/milestones/:id/submit", h.Milestone.Submit())
		auth.POST("/milestones/:id/discard", h.Milestone.Discard())
		auth.POST("/milestones/:id/voting", h.Milestone.OpenVoting())
		auth.POST("/milestones/:id/votes", h.Milestone.Vote)
		auth.GET("/milestones/:id/tally", h.Milestone.Tally)
		auth.POST("/milestones/:id/close", h.Milestone.Close)
		auth.GET("/milestones/:id/transactions", h.Milestone.Transactions)

		auth.GET("/wallet", h.Account.Wallet)
		auth.POST("/wallet/withdraw", h.Account.Withdraw)
		auth.GET("/credit", h.Account.Credit)
		auth.POST("/credit/redeem", h.Account.Redeem)

		admin := auth.Group("/admin")
		admin.Use(RequireAdmin())
		{
			admin.POST("/milestones/:id/force-settle", h.Admin.ForceSettle)
			admin.POST("/transactions/:id/resume", h.Admin.ResumeTransaction)
			admin.GET("/escalations", h.Admin.Escalations)
			admin.POST("/escalations/:id/resolve", h.Admin.ResolveEscalation)
			admin.POST("/outbox/replay", h.Admin.ReplayOutboxEvent)
			admin.POST("/outbox/replay-failed", h.Admin.ReplayFailedEvents)
		}
	}

	return &Router{Engine: r}
}

// Server wraps the engine for graceful shutdown. port may omit the colon.
func (r *Router) Server(port string) *http.Server {
	if !strings.HasPrefix(port, ":") {
		port = ":" + port
	}
	return &http.Server{
		Addr:              port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
