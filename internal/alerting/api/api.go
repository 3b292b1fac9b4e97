package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qiniu/remediator/internal/alerting/service/playbook"
	"github.com/qiniu/remediator/internal/alerting/service/tracker"
	"github.com/qiniu/remediator/internal/middleware"
)

// Api serves health, metrics and the admin endpoints.
type Api struct {
	Tracker  *tracker.Tracker
	Archive  tracker.Loader // optional, consulted when an id is no longer in memory
	Registry *playbook.Registry
	// PlaybooksFile is what POST /v1/playbooks/reload re-reads.
	PlaybooksFile string
	// OnReload observes manual reloads the same way the file watcher does.
	OnReload func(error)
	Gatherer prometheus.Gatherer
}

// NewApi registers every route on router. token protects /v1 when set.
func NewApi(router *gin.Engine, a *Api, token string) *Api {
	a.setupRouters(router, token)
	return a
}

func (a *Api) setupRouters(router *gin.Engine, token string) {
	router.GET("/healthz", a.Healthz)
	if a.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1", middleware.Authentication(token))
	v1.GET("/invocations", a.ListInvocations)
	v1.GET("/invocations/:id", a.GetInvocation)
	v1.GET("/playbooks", a.ListPlaybooks)
	v1.POST("/playbooks/reload", a.ReloadPlaybooks)
}

func (a *Api) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}
