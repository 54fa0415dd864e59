package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcx-hq/kcx-01-sub007/internal/aggregation"
	"github.com/kcx-hq/kcx-01-sub007/internal/analytics"
	"github.com/kcx-hq/kcx-01-sub007/internal/filter"
	"github.com/kcx-hq/kcx-01-sub007/internal/memstore"
	"github.com/kcx-hq/kcx-01-sub007/internal/middleware"
	"github.com/kcx-hq/kcx-01-sub007/internal/names"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const acmeUploads = "uploadIds=u-acme-1,u-acme-2"

func newRouter(t *testing.T, engine Analyzer) *gin.Engine {
	t.Helper()
	store := memstore.New(memstore.SampleDataset())
	if engine == nil {
		engine = analytics.NewEngine(
			filter.NewResolver(store),
			aggregation.NewPipeline(store, nil),
			names.NewResolver(store, nil, 0, nil),
			analytics.DefaultSettings(),
			nil,
		)
	}
	h := NewHandlers(engine, nil)
	h.now = func() time.Time { return memstore.SampleStart.AddDate(0, 0, 13) }

	r := gin.New()
	r.GET("/health", h.HealthCheck)
	v1 := r.Group("/api/v1")
	v1.Use(middleware.UploadScope(store, nil))
	h.RegisterRoutes(v1)
	return r
}

func get(t *testing.T, r *gin.Engine, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set(middleware.HeaderClientID, memstore.SampleClient)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w
}

func TestHealthCheck(t *testing.T) {
	r := newRouter(t, nil)
	var body map[string]string
	w := get(t, r, "/health", &body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestGetCostAnalysis(t *testing.T) {
	r := newRouter(t, nil)

	var res analytics.CostAnalysis
	w := get(t, r, "/api/v1/costs/analysis?"+acmeUploads+"&from=2024-03-08&to=2024-03-14", &res)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 208.0, res.KPIs.TotalSpend)
	require.Len(t, res.Breakdown, 2)
	assert.Equal(t, "Amazon EC2", res.Breakdown[0].Name)

	w = get(t, r, "/api/v1/costs/analysis?"+acmeUploads+"&period=7&groupBy=provider&provider=Azure", &res)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 68.0, res.KPIs.TotalSpend)
	require.Len(t, res.Breakdown, 1)
	assert.Equal(t, "Azure", res.Breakdown[0].Name)
}

func TestGetCostAnalysis_NoUploadsIsEmpty(t *testing.T) {
	r := newRouter(t, nil)

	w := get(t, r, "/api/v1/costs/analysis?period=30", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"breakdown":[]`)
	assert.Contains(t, w.Body.String(), `"totalSpend":0`)
}

func TestGetCostAnalysis_ForeignUpload(t *testing.T) {
	r := newRouter(t, nil)
	w := get(t, r, "/api/v1/costs/analysis?uploadIds=u-globex-1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestBadDates(t *testing.T) {
	r := newRouter(t, nil)

	for _, q := range []string{
		"from=2024-03-08",
		"from=03/08/2024&to=2024-03-14",
		"from=2024-03-08&to=tomorrow",
		"from=2024-03-14&to=2024-03-08",
	} {
		w := get(t, r, "/api/v1/costs/analysis?"+acmeUploads+"&"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestWindowTooLong(t *testing.T) {
	r := newRouter(t, nil)

	for _, q := range []string{
		"from=0001-01-01&to=9999-12-31",
		"from=2023-03-14&to=2024-03-14",
		"period=100000",
	} {
		w := get(t, r, "/api/v1/costs/timeseries?"+acmeUploads+"&"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		assert.Contains(t, w.Body.String(), "366 days", q)
	}

	w := get(t, r, "/api/v1/costs/timeseries?"+acmeUploads+"&from=2023-03-15&to=2024-03-14", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetCostDrivers(t *testing.T) {
	r := newRouter(t, nil)

	var res struct {
		Increases []struct {
			Name string  `json:"name"`
			Diff float64 `json:"diff"`
		} `json:"increases"`
		Decreases []json.RawMessage `json:"decreases"`
	}
	w := get(t, r, "/api/v1/costs/drivers?"+acmeUploads+"&from=2024-03-08&to=2024-03-14", &res)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, res.Increases, 2)
	assert.Equal(t, "Virtual Machines", res.Increases[0].Name)
	assert.Equal(t, 58.0, res.Increases[1].Diff)
	assert.Len(t, res.Decreases, 1)

	w = get(t, r, "/api/v1/costs/drivers?period=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"increases":[]`)
}

func TestGetTimeSeries_Empty(t *testing.T) {
	r := newRouter(t, nil)
	w := get(t, r, "/api/v1/costs/timeseries?period=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestGetUnitEconomicsAndDrift(t *testing.T) {
	r := newRouter(t, nil)

	var ue analytics.UnitEconomics
	w := get(t, r, "/api/v1/unit-economics?"+acmeUploads+"&from=2024-03-08&to=2024-03-14", &ue)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 208.0, ue.KPIs.TotalCost)

	var drifts []map[string]any
	w = get(t, r, "/api/v1/unit-economics/drift?"+acmeUploads+"&from=2024-03-01&to=2024-03-14", &drifts)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, drifts, 3)
}

func TestGetAnomaliesInventoryQualityInsights(t *testing.T) {
	r := newRouter(t, nil)
	base := "?" + acmeUploads + "&from=2024-03-08&to=2024-03-14"

	var anomalies map[string]any
	w := get(t, r, "/api/v1/anomalies"+base, &anomalies)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 29.71, anomalies["mean"])

	var inventory []map[string]any
	w = get(t, r, "/api/v1/inventory/lifecycle?"+acmeUploads+"&from=2024-03-01&to=2024-03-14", &inventory)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, inventory)

	var score map[string]any
	w = get(t, r, "/api/v1/quality/tags"+base, &score)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, score, "compliancePct")

	var insights struct {
		Count int                 `json:"count"`
		Data  []analytics.Insight `json:"data"`
	}
	w = get(t, r, "/api/v1/insights?"+acmeUploads+"&from=2024-03-01&to=2024-03-14", &insights)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, len(insights.Data), insights.Count)
	assert.NotZero(t, insights.Count)
}

type brokenEngine struct{ Analyzer }

func (brokenEngine) CostAnalysis(context.Context, analytics.Query) (*analytics.CostAnalysis, error) {
	return nil, errors.New("pq: relation billing_facts does not exist")
}

func TestStoreErrorsDoNotLeak(t *testing.T) {
	r := newRouter(t, brokenEngine{})

	w := get(t, r, "/api/v1/costs/analysis?"+acmeUploads, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
}
