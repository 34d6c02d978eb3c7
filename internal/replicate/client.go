package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MimeLyc/imagen-studio/internal/prediction"
	"github.com/MimeLyc/imagen-studio/pkg/log"
)

const (
	tracerName = "github.com/MimeLyc/imagen-studio/internal/replicate"

	attrPredictionID = "replicate.prediction_id"
	attrStatus       = "replicate.status"
	attrPolls        = "replicate.polls"
	attrVersion      = "replicate.version"
)

// Client talks to a Replicate-compatible prediction API.
// Safe for concurrent use.
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
	tracer     trace.Tracer

	mu      sync.RWMutex
	version string
}

var _ prediction.Predictor = (*Client)(nil)

type ClientOption func(*Client)

// WithTracerProvider traces API calls with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a new Replicate client with the given configuration
func NewClient(config *Config, opts ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	client := &Client{
		config:  config,
		baseURL: strings.TrimRight(config.APIURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(config.Timeout) * time.Second,
		},
		tracer:  otel.Tracer(tracerName),
		version: config.ModelVersion,
	}
	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// ModelVersion returns the model version new predictions run against.
func (c *Client) ModelVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// SetModelVersion switches the model version for predictions created afterwards.
func (c *Client) SetModelVersion(version string) {
	version = strings.TrimSpace(version)
	if version == "" {
		return
	}
	c.mu.Lock()
	c.version = version
	c.mu.Unlock()
}

// Create submits a prediction and returns its id.
func (c *Client) Create(ctx context.Context, req prediction.Request) (prediction.Handle, error) {
	version := c.ModelVersion()
	ctx, span := c.tracer.Start(ctx, "replicate.Create",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String(attrVersion, version)))
	defer span.End()

	var p Prediction
	payload := createRequest{Version: version, Input: NewInput(req)}
	if err := c.makeRequest(ctx, http.MethodPost, "/predictions", payload, &p); err != nil {
		recordError(span, err)
		return "", fmt.Errorf("create prediction failed: %w", err)
	}
	if p.ID == "" {
		err := fmt.Errorf("create prediction returned no id")
		recordError(span, err)
		return "", err
	}

	span.SetAttributes(attribute.String(attrPredictionID, p.ID), attribute.String(attrStatus, p.Status))
	log.Debug("Created prediction %s (status=%s)", p.ID, p.Status)
	return prediction.Handle(p.ID), nil
}

// Get fetches the current state of a prediction.
func (c *Client) Get(ctx context.Context, id string) (*Prediction, error) {
	ctx, span := c.tracer.Start(ctx, "replicate.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String(attrPredictionID, id)))
	defer span.End()

	var p Prediction
	if err := c.makeRequest(ctx, http.MethodGet, "/predictions/"+url.PathEscape(id), nil, &p); err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("get prediction failed: %w", err)
	}
	span.SetAttributes(attribute.String(attrStatus, p.Status))
	return &p, nil
}

// Wait polls the prediction until it reaches a terminal status. onUpdate is
// called for every poll response, in order.
func (c *Client) Wait(ctx context.Context, h prediction.Handle, onUpdate func(prediction.StatusUpdate)) (prediction.StatusUpdate, error) {
	ctx, span := c.tracer.Start(ctx, "replicate.Wait",
		trace.WithAttributes(attribute.String(attrPredictionID, string(h))))
	defer span.End()

	interval := c.config.PollInterval
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: interval / 10, Mean: 0})
	defer ticker.Stop()

	polls := 0
	for {
		p, err := c.Get(ctx, string(h))
		if err != nil {
			recordError(span, err)
			return prediction.StatusUpdate{}, err
		}
		polls++

		u := toStatusUpdate(p)
		if onUpdate != nil {
			onUpdate(u)
		}
		if u.Status.Terminal() {
			span.SetAttributes(attribute.String(attrStatus, p.Status), attribute.Int(attrPolls, polls))
			return u, nil
		}

		select {
		case <-ctx.Done():
			recordError(span, ctx.Err())
			return prediction.StatusUpdate{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel asks the API to stop a prediction.
func (c *Client) Cancel(ctx context.Context, h prediction.Handle) error {
	ctx, span := c.tracer.Start(ctx, "replicate.Cancel",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String(attrPredictionID, string(h))))
	defer span.End()

	if err := c.makeRequest(ctx, http.MethodPost, "/predictions/"+url.PathEscape(string(h))+"/cancel", nil, nil); err != nil {
		recordError(span, err)
		return fmt.Errorf("cancel prediction failed: %w", err)
	}
	return nil
}

func toStatusUpdate(p *Prediction) prediction.StatusUpdate {
	return prediction.StatusUpdate{
		Status: prediction.Status(p.Status),
		Output: []string(p.Output),
		Error:  p.ErrorText(),
	}
}

// makeRequest makes a raw HTTP request and decodes a 2xx body into out.
func (c *Client) makeRequest(ctx context.Context, method, path string, payload any, out any) error {
	endpoint := c.baseURL + path

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.config.GetHeaders() {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			return fmt.Errorf("request timed out: %w", err)
		}
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{}
		if jsonErr := json.Unmarshal(responseBody, apiErr); jsonErr != nil || (apiErr.Detail == "" && apiErr.Title == "") {
			apiErr.Detail = strings.TrimSpace(string(responseBody))
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(responseBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
