// Package admin wires up the Gin HTTP router that exposes a process's
// health and metrics over the ambient side channel. It never touches the
// wire protocol's own TCP listener; this is purely for operators and
// load balancers.
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"distributed-register/internal/metrics"
)

// Status reports this process's identity within the deployment.
type Status struct {
	SelfRank     int
	ProcessCount int
	MaxSector    uint64
}

// Handler holds the dependencies the admin routes read from.
type Handler struct {
	status  func() Status
	metrics *metrics.Registry
}

// NewHandler builds a Handler. status is called fresh on every /health
// request so the response always reflects current membership.
func NewHandler(status func() Status, reg *metrics.Registry) *Handler {
	return &Handler{status: status, metrics: reg}
}

// Register mounts /health and /metrics on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.metrics.Gatherer(), promhttp.HandlerOpts{})))
	}
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	st := h.status()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"self_rank":     st.SelfRank,
		"process_count": st.ProcessCount,
		"max_sector":    st.MaxSector,
	})
}

// NewRouter builds a ready-to-serve gin.Engine with logging, recovery,
// and the admin routes mounted.
func NewRouter(status func() Status, reg *metrics.Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Logger(), Recovery())
	NewHandler(status, reg).Register(router)
	return router
}
