package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ledgersync/ledgersync/internal/broadcast"
	"github.com/ledgersync/ledgersync/internal/domain/entity"
	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/internal/infrastructure/observability"
	"github.com/ledgersync/ledgersync/internal/ratelimit"
	"github.com/ledgersync/ledgersync/pkg/retry"
)

// Request is one sync operation to apply against the remote platform.
type Request struct {
	EntityType     entity.Type
	Operation      entity.Operation
	SourceEntityID string
	Payload        map[string]any
}

// Result is the remote platform's answer to an applied operation.
type Result struct {
	TargetEntityID string
	Status         string
	Body           map[string]any
}

// Client applies sync operations against the remote platform. Every call
// path goes through the rate limiter.
type Client interface {
	Push(ctx context.Context, req Request) (*Result, error)
}

// HTTPClient talks to the remote platform's REST API behind a circuit
// breaker and the shared rate limiter.
type HTTPClient struct {
	baseURL  string
	apiToken string
	http     *http.Client
	limiter  *ratelimit.Limiter
	breaker  *gobreaker.CircuitBreaker[*Result]
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// HTTPClientConfig configures the remote HTTP client.
type HTTPClientConfig struct {
	BaseURL        string
	APIToken       string
	RequestTimeout time.Duration
}

// NewHTTPClient creates a remote client. Circuit state changes are pushed
// to the hub so the dashboard sees trips immediately.
func NewHTTPClient(
	cfg HTTPClientConfig,
	limiter *ratelimit.Limiter,
	hub *broadcast.Hub,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	c := &HTTPClient{
		baseURL:  cfg.BaseURL,
		apiToken: cfg.APIToken,
		http: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
		metrics: metrics,
		logger:  logger.With().Str("component", "remote_client").Logger(),
	}

	c.breaker = gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:        "remote-platform",
		MaxRequests: 10,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			}
			if hub != nil {
				hub.Broadcast(broadcast.EventCircuitStateChanged, map[string]any{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
			}
		},
	})

	return c
}

// Push applies one operation. It blocks on the rate limiter first, then
// runs the request through the circuit breaker with a small transport-level
// retry for connection errors. Classified failures come back as coded
// errors so the queue can decide retry versus dead-letter.
func (c *HTTPClient) Push(ctx context.Context, req Request) (*Result, error) {
	if err := c.limiter.Acquire(ctx, string(req.EntityType)); err != nil {
		return nil, err
	}
	defer c.limiter.Release()

	result, err := c.breaker.Execute(func() (*Result, error) {
		return retry.DoWithResult(ctx, retry.Config{
			MaxAttempts:  2,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		}, func() (*Result, error) {
			res, err := c.do(ctx, req)
			if err != nil && domainErrors.CodeOf(err) != domainErrors.CodeNetwork {
				return res, retry.Unrecoverable(err)
			}
			return res, err
		})
	})

	if c.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		c.metrics.RemoteCalls.WithLabelValues(string(req.Operation), outcome).Inc()
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &domainErrors.SyncError{
			Code:    domainErrors.CodeRemote,
			Message: "remote circuit open",
			Err:     domainErrors.ErrRemoteUnavailable,
		}
	}
	return result, err
}

func (c *HTTPClient) do(ctx context.Context, req Request) (*Result, error) {
	method, url := c.route(req)

	var body io.Reader
	if req.Operation != entity.OpDelete {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, &domainErrors.SyncError{
				Code:    domainErrors.CodeValidation,
				Message: "payload not serializable",
				Err:     err,
			}
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &domainErrors.SyncError{Code: domainErrors.CodeInternal, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		code := domainErrors.CodeNetwork
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			code = domainErrors.CodeTimeout
		}
		return nil, &domainErrors.SyncError{Code: code, Message: "remote call failed", Err: err}
	}
	defer resp.Body.Close()

	return c.classify(ctx, req, resp)
}

func (c *HTTPClient) classify(ctx context.Context, req Request, resp *http.Response) (*Result, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result := &Result{Status: "success"}
		var decoded map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil {
			result.Body = decoded
			if id, ok := decoded["id"].(string); ok {
				result.TargetEntityID = id
			}
		}
		return result, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("remote returned %d for %s %s: %s", resp.StatusCode, req.Operation, req.SourceEntityID, string(raw))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		if err := c.limiter.ThrottleOnError(ctx, resp.StatusCode); err != nil {
			c.logger.Warn().Err(err).Msg("could not record throttle window")
		}
		if c.metrics != nil {
			c.metrics.ThrottleActivations.Inc()
		}
		return nil, &domainErrors.SyncError{Code: domainErrors.CodeThrottled, Message: msg, Err: domainErrors.ErrRemoteThrottled}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &domainErrors.SyncError{Code: domainErrors.CodeAuth, Message: msg, Err: domainErrors.ErrRemoteRejected}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &domainErrors.SyncError{Code: domainErrors.CodeNotFound, Message: msg, Err: domainErrors.ErrRemoteRejected}
	case resp.StatusCode == http.StatusConflict:
		return nil, &domainErrors.SyncError{Code: domainErrors.CodeConflict, Message: msg, Err: domainErrors.ErrRemoteRejected}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &domainErrors.SyncError{Code: domainErrors.CodeValidation, Message: msg, Err: domainErrors.ErrRemoteRejected}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, &domainErrors.SyncError{Code: domainErrors.CodeTimeout, Message: msg, Err: domainErrors.ErrRemoteTimeout}
	default:
		return nil, &domainErrors.SyncError{Code: domainErrors.CodeRemote, Message: msg, Err: domainErrors.ErrRemoteUnavailable}
	}
}

func (c *HTTPClient) route(req Request) (method, url string) {
	base := fmt.Sprintf("%s/api/v1/%ss", c.baseURL, req.EntityType)
	switch req.Operation {
	case entity.OpCreate:
		return http.MethodPost, base
	case entity.OpUpdate:
		return http.MethodPut, base + "/" + req.SourceEntityID
	case entity.OpUpsert:
		return http.MethodPut, base + "/" + req.SourceEntityID + "?upsert=true"
	case entity.OpDelete:
		return http.MethodDelete, base + "/" + req.SourceEntityID
	default:
		return http.MethodPost, base
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
