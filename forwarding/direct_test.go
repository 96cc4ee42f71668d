package forwarding

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/internal/reliability"
)

func testDelivery(url string) *Delivery {
	return &Delivery{
		Flow:          contracts.FlowDiscovery,
		CorrelationID: "c1",
		TargetID:      "hip-1",
		TargetURL:     url,
		Headers:       map[string]string{contracts.HeaderHIPID: "hip-1"},
		Body:          []byte(`{"requestId":"c1"}`),
	}
}

func TestDirectDeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("posts body with routing and auth headers", func(t *testing.T) {
		var got *http.Request
		var body []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = r
			body, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		d := NewDirect(WithTokenSource(StaticToken("secret")))
		require.NoError(t, d.Deliver(ctx, testDelivery(srv.URL+"/v0.5/care-contexts/discover")))

		require.NotNil(t, got)
		assert.Equal(t, http.MethodPost, got.Method)
		assert.Equal(t, "/v0.5/care-contexts/discover", got.URL.Path)
		assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
		assert.Equal(t, "hip-1", got.Header.Get(contracts.HeaderHIPID))
		assert.JSONEq(t, `{"requestId":"c1"}`, string(body))
	})

	t.Run("empty token sends no authorization", func(t *testing.T) {
		var auth atomic.Value
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth.Store(r.Header.Get("Authorization"))
		}))
		defer srv.Close()

		require.NoError(t, NewDirect().Deliver(ctx, testDelivery(srv.URL)))
		assert.Equal(t, "", auth.Load())
	})

	t.Run("non-2xx is rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		err := NewDirect().Deliver(ctx, testDelivery(srv.URL))
		require.Error(t, err)
		assert.ErrorIs(t, err, contracts.ErrForwardRejected)

		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	})

	t.Run("slow target times out", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		err := NewDirect(WithTimeout(50*time.Millisecond)).Deliver(ctx, testDelivery(srv.URL))
		assert.ErrorIs(t, err, contracts.ErrForwardTimeout)
	})

	t.Run("unreachable target is rejected", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		err := NewDirect().Deliver(ctx, testDelivery(url))
		assert.Equal(t, contracts.CodeForwardRejected, contracts.CodeOf(err))
	})

	t.Run("token failure is a forward failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		tokens := tokenFunc(func(context.Context) (string, error) { return "", errors.New("idp down") })
		err := NewDirect(WithTokenSource(tokens)).Deliver(ctx, testDelivery(srv.URL))
		assert.ErrorIs(t, err, contracts.ErrForwardRejected)
	})

	t.Run("open circuit fails fast", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		breakers := reliability.NewBreakerGroup(reliability.WithFailureThreshold(2), reliability.WithTimeout(time.Hour))
		d := NewDirect(WithBreakers(breakers))

		for i := 0; i < 3; i++ {
			assert.Error(t, d.Deliver(ctx, testDelivery(srv.URL)))
		}

		assert.Equal(t, int32(2), hits.Load())
		assert.Equal(t, reliability.StateOpen, breakers.Get("hip-1").State())

		err := d.Deliver(ctx, testDelivery(srv.URL))
		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
		assert.ErrorIs(t, err, contracts.ErrForwardRejected)
	})
}

type tokenFunc func(ctx context.Context) (string, error)

func (f tokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

func TestStateString(t *testing.T) {
	assert.Equal(t, "queued", StateQueued.String())
	assert.Equal(t, "abandoned", StateAbandoned.String())
	assert.True(t, StateDelivered.Terminal())
	assert.True(t, StateAbandoned.Terminal())
	assert.False(t, StateFailed.Terminal())
}

func TestDeliveryClone(t *testing.T) {
	d := testDelivery("http://hip")
	c := d.Clone()
	c.Headers["X"] = "y"
	c.Body[0] = '['

	assert.NotContains(t, d.Headers, "X")
	assert.Equal(t, byte('{'), d.Body[0])
}
