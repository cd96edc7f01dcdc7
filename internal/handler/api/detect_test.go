package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IntelliDetect/internal/detect"
	"IntelliDetect/internal/domain/models"
	"IntelliDetect/internal/usecase"
)

type fakeDetector struct {
	outcome    detect.Outcome
	pointErr   error
	batchErr   error
	processed  []*models.DataPoint
	batchCalls int
}

func (f *fakeDetector) Process(_ context.Context, p *models.DataPoint) (detect.Outcome, error) {
	f.processed = append(f.processed, p)
	return f.outcome, f.pointErr
}

func (f *fakeDetector) ProcessBatch(_ context.Context, points []*models.DataPoint) ([]usecase.Result, error) {
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([]usecase.Result, 0, len(points))
	for i, p := range points {
		f.processed = append(f.processed, p)
		r := usecase.Result{Point: p, Outcome: f.outcome}
		if i == 1 {
			r.Err = &detect.RemoteCallError{Err: errors.New("connection refused")}
		}
		out = append(out, r)
	}
	return out, nil
}

const pointJSON = `{"record_id":"r%d","value":5,"timestamp":%d,"dimensions":{"host":"a"},
	"item":{"id":7,"strategy_id":3,"name":"cpu","query_configs":[{"agg_interval":60}]}}`

func body(points ...string) string {
	return `{"points":[` + strings.Join(points, ",") + `]}`
}

func newPoint(id string, ts string) string {
	p := strings.Replace(pointJSON, "r%d", id, 1)
	return strings.Replace(p, "%d", ts, 1)
}

func serve(t *testing.T, h *DetectHandler, method, path, payload string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e)

	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	if payload != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestDetectBatch(t *testing.T) {
	det := &fakeDetector{outcome: detect.Outcome{Kind: detect.Anomalous, Message: "spike"}}
	h := NewDetectHandler(det, nil, nil)

	rec, out := serve(t, h, http.MethodPost, "/api/detect",
		body(newPoint("r1", "1700000000000"), newPoint("r2", "1700000060")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, 1, det.batchCalls)
	require.Len(t, det.processed, 2)
	// millisecond timestamps are normalised before detection
	assert.Equal(t, int64(1_700_000_000), det.processed[0].Timestamp)

	data := out["data"].(map[string]interface{})
	results := data["results"].([]interface{})
	require.Len(t, results, 2)

	first := results[0].(map[string]interface{})
	assert.Equal(t, "r1", first["record_id"])
	assert.Equal(t, "anomalous", first["outcome"])
	assert.Equal(t, "spike", first["message"])
	assert.EqualValues(t, 7, first["item_id"])

	second := results[1].(map[string]interface{})
	assert.Equal(t, "remote_call", second["error"].(map[string]interface{})["code"])

	summary := data["summary"].(map[string]interface{})
	assert.EqualValues(t, 1, summary["anomalous"])
	assert.EqualValues(t, 1, summary["error"])
}

func TestDetectSingleMode(t *testing.T) {
	det := &fakeDetector{pointErr: errors.New("boom")}
	h := NewDetectHandler(det, nil, nil)

	payload := `{"mode":"single","points":[` + newPoint("r1", "1700000000") + `]}`
	rec, out := serve(t, h, http.MethodPost, "/api/detect", payload)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 0, det.batchCalls)
	assert.Len(t, det.processed, 1)

	results := out["data"].(map[string]interface{})["results"].([]interface{})
	errObj := results[0].(map[string]interface{})["error"].(map[string]interface{})
	assert.Equal(t, "ERR_INTERNAL", errObj["code"])
}

func TestDetectValidation(t *testing.T) {
	h := NewDetectHandler(&fakeDetector{}, nil, nil)

	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{"no points", `{"points":[]}`, "points"},
		{"bad mode", `{"mode":"stream","points":[` + newPoint("r1", "1700000000") + `]}`, "mode"},
		{"missing record id", body(newPoint("", "1700000000")), "points[0].record_id"},
		{"missing item", `{"points":[{"record_id":"r1","timestamp":1700000000}]}`, "points[0].item"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := serve(t, h, http.MethodPost, "/api/detect", tt.payload)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			errs := out["data"].([]interface{})
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.field, errs[0].(map[string]interface{})["field"])
		})
	}

	rec, _ := serve(t, h, http.MethodPost, "/api/detect", `{"points":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDetectPublishFailure(t *testing.T) {
	det := &fakeDetector{batchErr: errors.New("kafka down")}
	h := NewDetectHandler(det, nil, nil)

	rec, out := serve(t, h, http.MethodPost, "/api/detect", body(newPoint("r1", "1700000000")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "ERR_PUBLISH", out["data"].(map[string]interface{})["code"])
}

func TestDetectError(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, detectError(&detect.NotReadyError{}).Status)
	assert.Equal(t, http.StatusUnprocessableEntity, detectError(&detect.ConfigError{}).Status)
	assert.Equal(t, "invalid_point", detectError(detect.ErrInvalidPoint).Code)
	assert.Equal(t, "timeout", detectError(context.DeadlineExceeded).Code)
	assert.Equal(t, http.StatusInternalServerError, detectError(errors.New("x")).Status)
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("dial tcp: refused") }

	h := NewDetectHandler(&fakeDetector{}, map[string]HealthCheck{"redis": ok}, nil)
	rec, out := serve(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["data"].(map[string]interface{})["status"])

	h = NewDetectHandler(&fakeDetector{}, map[string]HealthCheck{"redis": ok, "clickhouse": down}, nil)
	rec, out = serve(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	data := out["data"].(map[string]interface{})
	assert.Equal(t, "degraded", data["status"])
	checks := data["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["redis"])
	assert.Contains(t, checks["clickhouse"], "refused")
}

func TestGroupMiddlewareSkipsHealth(t *testing.T) {
	deny := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error { return c.JSON(http.StatusTooManyRequests, map[string]string{}) }
	}
	h := NewDetectHandler(&fakeDetector{}, nil, nil, deny)

	rec, _ := serve(t, h, http.MethodPost, "/api/detect", body(newPoint("r1", "1700000000")))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = serve(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
