// Package httpapi is the HTTP boundary of the processing core.
//
// Submissions arrive on the OpenRosa receiver as raw XML or as a multipart
// body with an xml_submission_file part plus attachments. Case updates arrive
// as JSON on the case API. Every failure maps to a stable status code:
//
//	201  created, duplicate or deprecated submission
//	400  malformed case API request
//	403  non-demo submission to a demo-only receiver
//	404  unknown form or case
//	409  archive or unarchive of a form in the wrong state
//	413  attachment over the configured limit
//	422  submission recorded as an error form
//	423  form or case locked by another request
//	429  per-domain rate limit exceeded
//	503  maintenance window
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/roach88/formcore/internal/caseapi"
	"github.com/roach88/formcore/internal/logging"
	"github.com/roach88/formcore/internal/metrics"
	"github.com/roach88/formcore/internal/model"
	"github.com/roach88/formcore/internal/processor"
)

// Deps are the services the routes call.
type Deps struct {
	Processor *processor.Processor
	Cases     *caseapi.Service
	Metrics   *metrics.Metrics

	// Gatherer backs GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer

	// Policies returns a domain's processing policy. Nil means
	// model.DefaultPolicy.
	Policies func(domain string) model.DomainPolicy

	Logger *slog.Logger
}

// Options tune request handling.
type Options struct {
	// Maintenance rejects every mutating request with 503.
	Maintenance bool

	// DemoUserID is the only user the practice receiver accepts.
	DemoUserID string

	// RateLimit is the sustained requests per second per domain. Zero
	// disables limiting.
	RateLimit rate.Limit
	RateBurst int

	// MaxBodyBytes caps request bodies. Zero means no cap.
	MaxBodyBytes int64
}

// Server holds the dependencies shared by every handler.
type Server struct {
	deps     Deps
	opts     Options
	limiters *domainLimiters
	logger   *slog.Logger
}

// New builds the gin engine serving every route.
func New(deps Deps, opts Options) *gin.Engine {
	if deps.Policies == nil {
		deps.Policies = model.DefaultPolicy
	}
	s := &Server{
		deps:     deps,
		opts:     opts,
		limiters: newDomainLimiters(opts.RateLimit, opts.RateBurst),
		logger:   logging.OrDefault(deps.Logger),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.observe())
	SetupRoutes(router, s)
	return router
}

// SetupRoutes registers the routes served by s on router.
func SetupRoutes(router *gin.Engine, s *Server) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	d := router.Group("/a/:domain", s.rateLimit())
	{
		d.POST("/receiver", s.maintenance(), s.receive(false))
		d.POST("/receiver/practice", s.maintenance(), s.receive(true))

		caseAPI := d.Group("/api/case/v2", s.maintenance())
		{
			caseAPI.POST("", s.createCases())
			caseAPI.PUT("", s.updateCase())
			caseAPI.PUT("/:case_id", s.updateCase())
			caseAPI.PUT("/ext/:external_id", s.upsertCase())
		}

		forms := d.Group("/forms/:id")
		{
			forms.GET("", s.getForm())
			forms.GET("/attachments/:name", s.getAttachment())
			forms.POST("/archive", s.maintenance(), s.transition(true))
			forms.POST("/unarchive", s.maintenance(), s.transition(false))
		}

		d.GET("/cases/:id", s.getCase())
	}
}
