package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgersync/ledgersync/internal/domain/entity"
	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/internal/ratelimit"
	"github.com/ledgersync/ledgersync/internal/testutil"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxPerMinute:  1000,
		MaxPerDay:     10000,
		MaxConcurrent: 10,
		ThrottleBase:  time.Millisecond,
	}, ratelimit.NewMemoryStore(), testutil.NopLogger())

	return NewHTTPClient(HTTPClientConfig{
		BaseURL:        srv.URL,
		APIToken:       "test-token",
		RequestTimeout: 2 * time.Second,
	}, limiter, nil, nil, testutil.NopLogger())
}

func TestPush_CreateExtractsRemoteID(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "rmt_inv_991"})
	})

	res, err := client.Push(context.Background(), Request{
		EntityType:     entity.TypeInvoice,
		Operation:      entity.OpCreate,
		SourceEntityID: "inv-1",
		Payload:        map[string]any{"number": "INV-1"},
	})

	require.NoError(t, err)
	assert.Equal(t, "rmt_inv_991", res.TargetEntityID)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/v1/invoices", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestPush_UpdateAndDeleteRoutes(t *testing.T) {
	var gotMethod, gotURI string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotURI = r.URL.RequestURI()
		w.WriteHeader(http.StatusOK)
	})
	ctx := context.Background()

	_, err := client.Push(ctx, Request{EntityType: entity.TypeCustomer, Operation: entity.OpUpdate, SourceEntityID: "c-9"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/api/v1/customers/c-9", gotURI)

	_, err = client.Push(ctx, Request{EntityType: entity.TypeOrder, Operation: entity.OpUpsert, SourceEntityID: "o-4"})
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/orders/o-4?upsert=true", gotURI)

	_, err = client.Push(ctx, Request{EntityType: entity.TypeItem, Operation: entity.OpDelete, SourceEntityID: "i-2"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/api/v1/items/i-2", gotURI)
}

func TestPush_ValidationRejectionIsCoded(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad payload"}`, http.StatusUnprocessableEntity)
	})

	_, err := client.Push(context.Background(), Request{
		EntityType: entity.TypeInvoice, Operation: entity.OpCreate, SourceEntityID: "inv-1",
	})

	require.Error(t, err)
	assert.Equal(t, domainErrors.CodeValidation, domainErrors.CodeOf(err))
	assert.ErrorIs(t, err, domainErrors.ErrRemoteRejected)
}

func TestPush_ThrottleResponseIsCoded(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Push(context.Background(), Request{
		EntityType: entity.TypeItem, Operation: entity.OpCreate, SourceEntityID: "i-1",
	})

	require.Error(t, err)
	assert.Equal(t, domainErrors.CodeThrottled, domainErrors.CodeOf(err))
	assert.ErrorIs(t, err, domainErrors.ErrRemoteThrottled)
}

func TestPush_AuthFailureIsCoded(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Push(context.Background(), Request{
		EntityType: entity.TypeCustomer, Operation: entity.OpCreate, SourceEntityID: "c-1",
	})

	require.Error(t, err)
	assert.Equal(t, domainErrors.CodeAuth, domainErrors.CodeOf(err))
}

func TestPush_ConnectionRefusedIsNetworkError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	// Point at a port nothing listens on.
	client.baseURL = "http://127.0.0.1:1"

	_, err := client.Push(context.Background(), Request{
		EntityType: entity.TypeItem, Operation: entity.OpCreate, SourceEntityID: "i-1",
	})

	require.Error(t, err)
	assert.Equal(t, domainErrors.CodeNetwork, domainErrors.CodeOf(err))
}

func TestPush_ServerErrorRetriesThenFails(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Push(context.Background(), Request{
		EntityType: entity.TypeOrder, Operation: entity.OpCreate, SourceEntityID: "o-1",
	})

	require.Error(t, err)
	assert.Equal(t, domainErrors.CodeRemote, domainErrors.CodeOf(err))
	// Non-network failures are unrecoverable at the transport level; the
	// durable retry decision belongs to the queue.
	assert.Equal(t, 1, calls)
}

func TestMockClient_PushFuncOverride(t *testing.T) {
	mock := NewMockClient(WithLatency(0))
	mock.PushFunc = func(ctx context.Context, req Request) (*Result, error) {
		return nil, domainErrors.NewSyncError(domainErrors.CodeTimeout, "slow remote", nil)
	}

	_, err := mock.Push(context.Background(), Request{EntityType: entity.TypeItem})
	assert.Equal(t, domainErrors.CodeTimeout, domainErrors.CodeOf(err))
}
