package fhirapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dasjn/labbridge-fhir-hl7-app/errors"
	"github.com/dasjn/labbridge-fhir-hl7-app/fhir"
	"github.com/dasjn/labbridge-fhir-hl7-app/metric"
	"github.com/dasjn/labbridge-fhir-hl7-app/pkg/breaker"
	"github.com/dasjn/labbridge-fhir-hl7-app/pkg/retry"
	"github.com/dasjn/labbridge-fhir-hl7-app/pkg/tlsutil"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// Submitter creates resources on a FHIR server. Each call returns the
// resource as echoed by the server, carrying its assigned id.
type Submitter interface {
	CreatePatient(ctx context.Context, p *fhir.Patient) (*fhir.Patient, error)
	CreateObservation(ctx context.Context, o *fhir.Observation) (*fhir.Observation, error)
	CreateDiagnosticReport(ctx context.Context, r *fhir.DiagnosticReport) (*fhir.DiagnosticReport, error)
}

// Deps holds the client's runtime dependencies.
type Deps struct {
	Config          Config
	HTTPClient      *http.Client
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Client submits resources over HTTP with retry and a circuit breaker.
// The breaker is shared by all resource types since they target one API.
type Client struct {
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	retry      retry.Config
	breaker    *breaker.Breaker
	metrics    *Metrics
	logger     *slog.Logger

	calls atomic.Int64
}

var _ Submitter = (*Client)(nil)

// New creates a Client from deps.
func New(deps Deps) (*Client, error) {
	cfg := deps.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "fhirapi")

	httpClient := deps.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if !cfg.TLS.IsZero() {
			tlsConfig, err := tlsutil.LoadClient(cfg.TLS)
			if err != nil {
				return nil, err
			}
			transport.TLSClientConfig = tlsConfig
		}
		httpClient = &http.Client{Timeout: cfg.Timeout, Transport: transport}
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		headers:    cfg.Headers,
		httpClient: httpClient,
		metrics:    newMetrics(deps.MetricsRegistry),
		logger:     logger,
	}

	c.retry = retry.Submission()
	c.retry.MaxAttempts = cfg.MaxRetries + 1
	if cfg.BaseDelay > 0 {
		c.retry.InitialDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		c.retry.MaxDelay = cfg.MaxDelay
	}
	if c.retry.MaxDelay < c.retry.InitialDelay {
		c.retry.MaxDelay = c.retry.InitialDelay
	}
	c.retry.Retryable = func(err error) bool {
		return errors.Is(err, errors.ErrTransientRemote)
	}

	c.breaker = breaker.New(breaker.Config{
		Threshold:     cfg.FailureThreshold,
		BreakDuration: cfg.BreakDuration,
		IsFailure:     countsAgainstCircuit,
		OnStateChange: func(from, to breaker.State) {
			c.metrics.recordState(to)
			logger.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return c, nil
}

// CreatePatient POSTs p to /Patient.
func (c *Client) CreatePatient(ctx context.Context, p *fhir.Patient) (*fhir.Patient, error) {
	if p == nil {
		return nil, errNilResource("Patient")
	}
	var out fhir.Patient
	if err := c.create(ctx, fhir.TypePatient, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateObservation POSTs o to /Observation.
func (c *Client) CreateObservation(ctx context.Context, o *fhir.Observation) (*fhir.Observation, error) {
	if o == nil {
		return nil, errNilResource("Observation")
	}
	var out fhir.Observation
	if err := c.create(ctx, fhir.TypeObservation, o, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateDiagnosticReport POSTs r to /DiagnosticReport.
func (c *Client) CreateDiagnosticReport(ctx context.Context, r *fhir.DiagnosticReport) (*fhir.DiagnosticReport, error) {
	if r == nil {
		return nil, errNilResource("DiagnosticReport")
	}
	var out fhir.DiagnosticReport
	if err := c.create(ctx, fhir.TypeDiagnosticReport, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BreakerState returns the circuit state.
func (c *Client) BreakerState() breaker.State {
	return c.breaker.State()
}

// Calls returns the number of HTTP requests issued, retries included.
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

func (c *Client) create(ctx context.Context, resourceType string, in fhir.Resource, out fhir.Resource) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.WrapInvalid(err, "fhirapi.Client", "create", "encode "+resourceType)
	}

	counter := retryCounterFrom(ctx)
	cfg := c.retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		counter.add()
		c.metrics.recordRetry(resourceType)
		c.logger.Warn("Retrying FHIR API call",
			"resource_type", resourceType,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	}

	err = retry.Do(ctx, cfg, func() error {
		err := c.breaker.Execute(func() error {
			return c.post(ctx, resourceType, body, out)
		})
		if errors.Is(err, breaker.ErrOpen) {
			return retry.NonRetryable(errors.WrapTransient(errors.ErrCircuitOpen,
				"fhirapi.Client", "create", "submit "+resourceType))
		}
		return err
	})
	if err != nil {
		c.logger.Error("FHIR API call failed", "resource_type", resourceType, "error", err)
		return err
	}

	c.logger.Debug("FHIR resource created", "resource_type", resourceType, "id", out.GetID())
	return nil
}

// post issues one request. Transient failures wrap ErrTransientRemote,
// everything else is marked non-retryable.
func (c *Client) post(ctx context.Context, resourceType string, body []byte, out fhir.Resource) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+resourceType, bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(errors.WrapInvalid(err, "fhirapi.Client", "post", "create request"))
	}
	req.Header.Set("Content-Type", fhir.MediaType)
	req.Header.Set("Accept", fhir.MediaType)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.calls.Add(1)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.recordCall(resourceType, 0, time.Since(start))
		if ctx.Err() != nil {
			return retry.NonRetryable(ctx.Err())
		}
		return fmt.Errorf("POST /%s: %w: %w", resourceType, errors.ErrTransientRemote, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.recordCall(resourceType, resp.StatusCode, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return retry.NonRetryable(ctx.Err())
		}
		return fmt.Errorf("POST /%s: read response: %w: %w", resourceType, errors.ErrTransientRemote, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Resource: resourceType, StatusCode: resp.StatusCode, Detail: detail(data)}
		if IsTransientStatus(resp.StatusCode) {
			return se
		}
		return retry.NonRetryable(se)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return retry.NonRetryable(fmt.Errorf("POST /%s: decode response: %w: %w",
			resourceType, errors.ErrPermanentRemote, err))
	}
	if out.GetID() == "" {
		return retry.NonRetryable(fmt.Errorf("POST /%s: response has no id: %w",
			resourceType, errors.ErrPermanentRemote))
	}
	return nil
}

// detail summarizes an error body, preferring an OperationOutcome.
func detail(data []byte) string {
	var oo fhir.OperationOutcome
	if err := json.Unmarshal(data, &oo); err == nil {
		if s := oo.Summary(); s != "" {
			return s
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func errNilResource(resourceType string) error {
	return errors.WrapInvalid(errors.ErrTransformFailed, "fhirapi.Client", "Create"+resourceType, "nil resource")
}

// RetryCounter accumulates retries spent on behalf of one message.
type RetryCounter struct {
	n atomic.Int32
}

// Count returns the retries recorded so far.
func (r *RetryCounter) Count() int {
	if r == nil {
		return 0
	}
	return int(r.n.Load())
}

func (r *RetryCounter) add() {
	if r != nil {
		r.n.Add(1)
	}
}

type retryCounterKey struct{}

// WithRetryCounter returns a context whose submissions record their
// retries in the returned counter.
func WithRetryCounter(ctx context.Context) (context.Context, *RetryCounter) {
	rc := &RetryCounter{}
	return context.WithValue(ctx, retryCounterKey{}, rc), rc
}

func retryCounterFrom(ctx context.Context) *RetryCounter {
	rc, _ := ctx.Value(retryCounterKey{}).(*RetryCounter)
	return rc
}
