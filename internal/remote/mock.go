package remote

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
)

// MockClient simulates the remote platform for local runs and tests.
type MockClient struct {
	latency     time.Duration
	failureRate float64 // 0.0 to 1.0
	timeoutRate float64 // 0.0 to 1.0

	PushFunc func(ctx context.Context, req Request) (*Result, error)
}

type MockClientOption func(*MockClient)

func WithLatency(d time.Duration) MockClientOption {
	return func(c *MockClient) { c.latency = d }
}

func WithFailureRate(rate float64) MockClientOption {
	return func(c *MockClient) { c.failureRate = rate }
}

func WithTimeoutRate(rate float64) MockClientOption {
	return func(c *MockClient) { c.timeoutRate = rate }
}

func NewMockClient(opts ...MockClientOption) *MockClient {
	c := &MockClient{
		latency:     50 * time.Millisecond,
		failureRate: 0.0,
		timeoutRate: 0.0,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *MockClient) Push(ctx context.Context, req Request) (*Result, error) {
	if c.PushFunc != nil {
		return c.PushFunc(ctx, req)
	}

	select {
	case <-time.After(c.latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if rand.Float64() < c.timeoutRate {
		return nil, &domainErrors.SyncError{
			Code:    domainErrors.CodeTimeout,
			Message: fmt.Sprintf("simulated timeout syncing %s %s", req.EntityType, req.SourceEntityID),
			Err:     domainErrors.ErrRemoteTimeout,
		}
	}

	if rand.Float64() < c.failureRate {
		return nil, &domainErrors.SyncError{
			Code:    domainErrors.CodeRemote,
			Message: fmt.Sprintf("simulated failure syncing %s %s", req.EntityType, req.SourceEntityID),
			Err:     domainErrors.ErrRemoteUnavailable,
		}
	}

	return &Result{
		TargetEntityID: fmt.Sprintf("rmt_%s_%s", req.EntityType, uuid.New().String()[:8]),
		Status:         "success",
	}, nil
}
