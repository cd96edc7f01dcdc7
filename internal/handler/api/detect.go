package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"IntelliDetect/internal/detect"
	"IntelliDetect/internal/domain/models"
	"IntelliDetect/internal/usecase"
	httpx "IntelliDetect/pkg/http"
	"IntelliDetect/pkg/logger"
)

const (
	ModeBatch  = "batch"
	ModeSingle = "single"
)

// Detector is the part of the detect processor the API drives.
type Detector interface {
	Process(ctx context.Context, point *models.DataPoint) (detect.Outcome, error)
	ProcessBatch(ctx context.Context, points []*models.DataPoint) ([]usecase.Result, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// DetectRequest is the body of POST /api/detect.
type DetectRequest struct {
	Points []*models.DataPoint `json:"points" validate:"required,min=1,max=1000,dive,required"`
	// batch runs the points as one pre-detected run; single detects them
	// one by one.
	Mode string `json:"mode" default:"batch" validate:"oneof=batch single"`
}

// PointResult is the detection result of one submitted point.
type PointResult struct {
	RecordID  string                 `json:"record_id"`
	ItemID    int64                  `json:"item_id"`
	Timestamp int64                  `json:"timestamp"`
	Outcome   string                 `json:"outcome,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Error     *httpx.AppError        `json:"error,omitempty"`
}

// DetectResponse summarises a detection run.
type DetectResponse struct {
	Results   []PointResult  `json:"results"`
	Summary   map[string]int `json:"summary"`
	ElapsedMs int64          `json:"elapsed_ms"`
}

// DetectHandler exposes on-demand detection and health over HTTP.
type DetectHandler struct {
	detector   Detector
	checks     map[string]HealthCheck
	middleware []echo.MiddlewareFunc
	timeout    time.Duration
	log        *logger.Logger
}

// NewDetectHandler creates the handler. The middleware applies to the /api
// group only, health stays unthrottled.
func NewDetectHandler(detector Detector, checks map[string]HealthCheck, log *logger.Logger, mw ...echo.MiddlewareFunc) *DetectHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &DetectHandler{
		detector:   detector,
		checks:     checks,
		middleware: mw,
		timeout:    3 * time.Second,
		log:        log,
	}
}

func (h *DetectHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/api", h.middleware...)
	g.POST("/detect", h.Detect)
}

// Detect runs the submitted points through the strategy.
func (h *DetectHandler) Detect(c echo.Context) error {
	var req DetectRequest
	if errs := httpx.ReadAndValidateRequest(c, &req); errs != nil {
		return httpx.BadRequestResponse(c, errs)
	}

	for _, p := range req.Points {
		usecase.NormalizeTimestamp(p)
	}

	ctx := c.Request().Context()
	start := time.Now()
	resp := DetectResponse{
		Results: make([]PointResult, 0, len(req.Points)),
		Summary: make(map[string]int),
	}

	if req.Mode == ModeSingle {
		for _, p := range req.Points {
			outcome, err := h.detector.Process(ctx, p)
			resp.add(p, outcome, err)
		}
	} else {
		results, err := h.detector.ProcessBatch(ctx, req.Points)
		if err != nil {
			h.log.Error("api detect publish failed", logger.Int("points", len(req.Points)), logger.Error(err))
			return httpx.AppErrorResponse(c, httpx.UnavailableError("ERR_PUBLISH", "publish anomalies failed").WithError(err))
		}
		for _, r := range results {
			resp.add(r.Point, r.Outcome, r.Err)
		}
	}

	resp.ElapsedMs = time.Since(start).Milliseconds()
	return httpx.SuccessResponse(c, resp)
}

func (r *DetectResponse) add(p *models.DataPoint, outcome detect.Outcome, err error) {
	res := PointResult{}
	if p != nil {
		res.RecordID = p.RecordID
		res.Timestamp = p.Timestamp
		if p.Item != nil {
			res.ItemID = p.Item.ID
		}
	}
	if err != nil {
		res.Error = detectError(err)
		r.Summary["error"]++
		r.Results = append(r.Results, res)
		return
	}
	res.Outcome = outcome.Kind.String()
	res.Message = outcome.Message
	res.Reason = outcome.Reason
	res.Context = outcome.Context
	r.Summary[res.Outcome]++
	r.Results = append(r.Results, res)
}

// detectError maps a per-point failure to an API error. Only the code and
// message reach the client.
func detectError(err error) *httpx.AppError {
	code := detect.CodeOf(err)
	switch code {
	case detect.CodeRemoteCall, detect.CodeNotReady, detect.CodePreDetectMissing:
		return httpx.UnavailableError(string(code), err.Error())
	case detect.CodeUnknown:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return httpx.UnavailableError("timeout", err.Error())
		}
		return httpx.InternalError(err.Error())
	default:
		return httpx.UnprocessableError(string(code), err.Error())
	}
}

// HealthResponse reports the state of each dependency.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health runs every dependency check. Any failure answers 503.
func (h *DetectHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.log.Warn("health check failed", logger.String("check", name), logger.Error(err))
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	return httpx.DataResponse(c, status, resp)
}

var _ httpx.Handler = (*DetectHandler)(nil)
