package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"IntelliDetect/internal/domain/models"
	domsvc "IntelliDetect/internal/domain/service"
	"IntelliDetect/internal/service/metrics"
	"IntelliDetect/pkg/config"
	xhttp "IntelliDetect/pkg/http"
)

// envelope is the response wrapper of the AIOps API.
type envelope struct {
	Result  bool            `json:"result"`
	Code    interface{}     `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// APIError is a well-formed response with result=false.
type APIError struct {
	Path    string
	Code    interface{}
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error (code %v): %s", e.Path, e.Code, e.Message)
}

// Client calls the AIOps SDK predict endpoints over HTTP.
type Client struct {
	baseURL          string
	predictPath      string
	groupPredictPath string
	client           *xhttp.Client
}

func NewClient(cfg *config.Config) *Client {
	metrics.Register()
	timeout := cfg.SDK.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:          strings.TrimRight(cfg.SDK.BaseURL, "/"),
		predictPath:      cfg.SDK.PredictPath,
		groupPredictPath: cfg.SDK.GroupPredictPath,
		client: xhttp.NewClient(
			xhttp.WithTimeout(timeout),
			xhttp.WithRetry(cfg.SDK.RetryAttempts, cfg.SDK.RetryBackoff),
		),
	}
}

// Predict calls kpi_predict for one point.
func (c *Client) Predict(ctx context.Context, req models.PredictionRequest) ([]models.PredictionRecord, error) {
	var out []models.PredictionRecord
	if err := c.postJSON(ctx, c.predictPath, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GroupPredict calls kpi_group_predict for many series at once.
func (c *Client) GroupPredict(ctx context.Context, req models.GroupPredictRequest) ([]models.GroupPredictResult, error) {
	var out []models.GroupPredictResult
	if err := c.postJSON(ctx, c.groupPredictPath, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// postJSON posts payload to path and decodes the envelope's data into dest.
func (c *Client) postJSON(ctx context.Context, path string, payload interface{}, dest interface{}) error {
	if c.client == nil || c.baseURL == "" {
		return fmt.Errorf("sdk http client not initialized")
	}

	start := time.Now()
	defer func() {
		metrics.SDKLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	var env envelope
	err := c.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:  xhttp.MethodPost,
		URL:     c.baseURL + path,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    payload,
	}, &env)
	if err != nil {
		metrics.SDKErrors.WithLabelValues(path, "transport").Inc()
		return fmt.Errorf("post %s: %w", path, err)
	}
	if !env.Result {
		metrics.SDKErrors.WithLabelValues(path, "api").Inc()
		return &APIError{Path: path, Code: env.Code, Message: env.Message}
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		metrics.SDKErrors.WithLabelValues(path, "decode").Inc()
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

var (
	_ domsvc.PredictionClient   = (*Client)(nil)
	_ domsvc.GroupPredictClient = (*Client)(nil)
)
