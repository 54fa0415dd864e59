// Package api implements the REST API endpoints for the cost analytics dashboard.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kcx-hq/kcx-01-sub007/internal/analytics"
	"github.com/kcx-hq/kcx-01-sub007/internal/anomaly"
	"github.com/kcx-hq/kcx-01-sub007/internal/drivers"
	"github.com/kcx-hq/kcx-01-sub007/internal/filter"
	"github.com/kcx-hq/kcx-01-sub007/internal/middleware"
	"github.com/kcx-hq/kcx-01-sub007/internal/period"
	"github.com/kcx-hq/kcx-01-sub007/internal/quality"
	"github.com/kcx-hq/kcx-01-sub007/pkg/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

const dateLayout = "2006-01-02"

// maxWindowDays bounds a request window. Daily series hold one entry per day.
const maxWindowDays = 366

// Analyzer is the analytics surface the handlers expose. *analytics.Engine
// satisfies it.
type Analyzer interface {
	CostAnalysis(ctx context.Context, q analytics.Query) (*analytics.CostAnalysis, error)
	CostDrivers(ctx context.Context, q analytics.Query) (drivers.Result, error)
	TimeSeries(ctx context.Context, q analytics.Query) ([]models.NamedSeriesPoint, error)
	UnitEconomics(ctx context.Context, q analytics.Query) (*analytics.UnitEconomics, error)
	SkuDrift(ctx context.Context, q analytics.Query) ([]anomaly.Drift, error)
	Anomalies(ctx context.Context, q analytics.Query) (*analytics.AnomalyReport, error)
	Inventory(ctx context.Context, q analytics.Query) ([]anomaly.ResourceLifecycle, error)
	DataQuality(ctx context.Context, q analytics.Query) (quality.Score, error)
	Insights(ctx context.Context, q analytics.Query) ([]analytics.Insight, error)
}

var _ Analyzer = (*analytics.Engine)(nil)

// Handlers provides REST API endpoint handlers.
type Handlers struct {
	engine Analyzer
	logger *zap.Logger
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(engine Analyzer, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{engine: engine, logger: logger, now: time.Now}
}

// RegisterRoutes mounts the analytics endpoints on rg.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/costs/analysis", h.GetCostAnalysis)
	rg.GET("/costs/drivers", h.GetCostDrivers)
	rg.GET("/costs/timeseries", h.GetTimeSeries)
	rg.GET("/unit-economics", h.GetUnitEconomics)
	rg.GET("/unit-economics/drift", h.GetSkuDrift)
	rg.GET("/anomalies", h.GetAnomalies)
	rg.GET("/inventory/lifecycle", h.GetInventory)
	rg.GET("/quality/tags", h.GetDataQuality)
	rg.GET("/insights", h.GetInsights)
}

// HealthCheck returns the service health status.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "kcx-analytics",
		"version": Version,
	})
}

// GetCostAnalysis returns spend KPIs and the grouped breakdown.
// Query params: uploadIds, provider, service, region, groupBy, period | from+to
func (h *Handlers) GetCostAnalysis(c *gin.Context) {
	q, ok := h.bindQuery(c)
	if !ok {
		return
	}
	res, err := h.engine.CostAnalysis(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "cost analysis", err)
		return
	}
	res.Breakdown = orEmpty(res.Breakdown)
	c.JSON(http.StatusOK, res)
}

// GetCostDrivers compares the window with the preceding one of equal length.
func (h *Handlers) GetCostDrivers(c *gin.Context) {
	q, ok := h.bindQuery(c)
	if !ok {
		return
	}
	res, err := h.engine.CostDrivers(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "cost drivers", err)
		return
	}
	res.Increases = orEmpty(res.Increases)
	res.Decreases = orEmpty(res.Decreases)
	c.JSON(http.StatusOK, res)
}

// GetTimeSeries returns daily spend per group.
func (h *Handlers) GetTimeSeries(c *gin.Context) {
	q, ok := h.bindQuery(c)
	if !ok {
		return
	}
	points, err := h.engine.TimeSeries(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "time series", err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(points))
}

// GetUnitEconomics returns cost per unit, optionally for one sku.
func (h *Handlers) GetUnitEconomics(c *gin.Context) {
	q, ok := h.bindQuery(c)
	if !ok {
		return
	}
	res, err := h.engine.UnitEconomics(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "unit economics", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetSkuDrift returns unit-price drift for every sku in scope.
func (h *Handlers) GetSkuDrift(c *gin.Context) {
	q, ok := h.bindQuery(c)
	if !ok {
		return
	}
	drifts, err := h.engine.SkuDrift(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "sku drift", err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(drifts))
}

// GetAnomalies returns sigma anomalies and spikes over daily spend.
func (h *Handlers) GetAnomalies(c *gin.Context) {
	q, ok := h.bindQuery(c)
	if !ok {
		return
	}
	res, err := h.engine.Anomalies(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "anomalies", err)
		return
	}
	res.Series = orEmpty(res.Series)
	c.JSON(http.StatusOK, res)
}

// GetInventory returns the lifecycle state of every resource in scope.
func (h *Handlers) GetInventory(c *gin.Context) {
	q, ok := h.bindQuery(c)
	if !ok {
		return
	}
	resources, err := h.engine.Inventory(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "inventory", err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(resources))
}

// GetDataQuality returns the tag compliance score.
func (h *Handlers) GetDataQuality(c *gin.Context) {
	q, ok := h.bindQuery(c)
	if !ok {
		return
	}
	score, err := h.engine.DataQuality(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "data quality", err)
		return
	}
	c.JSON(http.StatusOK, score)
}

// GetInsights returns actionable findings ordered by severity.
func (h *Handlers) GetInsights(c *gin.Context) {
	q, ok := h.bindQuery(c)
	if !ok {
		return
	}
	insights, err := h.engine.Insights(c.Request.Context(), q)
	if err != nil {
		h.fail(c, "insights", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(insights),
		"data":  orEmpty(insights),
	})
}

// bindQuery builds the engine query from the request. Upload ids come only
// from the request; a request naming none resolves to an empty scope.
func (h *Handlers) bindQuery(c *gin.Context) (analytics.Query, bool) {
	ids, ok := c.Get(middleware.ContextUploadIDs)
	uploads, _ := ids.([]string)
	if !ok {
		uploads = middleware.QueryUploadIDs(c)
	}

	w, err := h.window(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return analytics.Query{}, false
	}

	return analytics.Query{
		Filter: filter.Request{
			Provider:  c.Query("provider"),
			Service:   c.Query("service"),
			Region:    c.Query("region"),
			UploadIDs: uploads,
		},
		GroupBy: models.ParseDimension(c.Query("groupBy")),
		Window:  w,
		Sku:     c.Query("sku"),
	}, true
}

func (h *Handlers) window(c *gin.Context) (period.Window, error) {
	w, err := h.parseWindow(c)
	if err != nil {
		return period.Window{}, err
	}
	// Days is 0 only for a range starting on the zero time.
	if days := w.Days(); days == 0 || days > maxWindowDays {
		return period.Window{}, fmt.Errorf("window must not exceed %d days", maxWindowDays)
	}
	return w, nil
}

func (h *Handlers) parseWindow(c *gin.Context) (period.Window, error) {
	fromStr, toStr := c.Query("from"), c.Query("to")
	if fromStr == "" && toStr == "" {
		return period.Resolve(c.Query("period"), h.now()), nil
	}
	if fromStr == "" || toStr == "" {
		return period.Window{}, errors.New("both 'from' and 'to' are required")
	}
	from, err := time.Parse(dateLayout, fromStr)
	if err != nil {
		return period.Window{}, errors.New("invalid 'from' date format, use YYYY-MM-DD")
	}
	to, err := time.Parse(dateLayout, toStr)
	if err != nil {
		return period.Window{}, errors.New("invalid 'to' date format, use YYYY-MM-DD")
	}
	w, err := period.FromRange(from, to)
	if errors.Is(err, period.ErrInvalidRange) {
		return period.Window{}, errors.New("'to' must not be before 'from'")
	}
	return w, err
}

// fail logs err and answers a generic 500 so store detail never leaks.
func (h *Handlers) fail(c *gin.Context, op string, err error) {
	_ = c.Error(err)
	h.logger.Error(op+" failed",
		zap.String("request_id", c.GetString(middleware.ContextRequestID)),
		zap.String("client_id", c.GetString(middleware.ContextClientID)),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
