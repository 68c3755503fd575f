package coordinator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-dispatch/internal/coordinator"
	"github.com/tinywideclouds/go-push-dispatch/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testCred = dispatch.Credential{Token: "ya29.test", ExpiresAt: time.Now().Add(time.Hour)}

// MockCredentials satisfies dispatch.CredentialSource.
type MockCredentials struct {
	mock.Mock
}

func (m *MockCredentials) Token(ctx context.Context) (dispatch.Credential, error) {
	args := m.Called(ctx)
	return args.Get(0).(dispatch.Credential), args.Error(1)
}

func okCredentials() *MockCredentials {
	m := new(MockCredentials)
	m.On("Token", mock.Anything).Return(testCred, nil)
	return m
}

// fakeDeliverer records every send and answers with fn.
type fakeDeliverer struct {
	mu    sync.Mutex
	sent  []*fcm.SendRequest
	calls atomic.Int32
	fn    func(ctx context.Context, msg *fcm.SendRequest) dispatch.Outcome
}

func (f *fakeDeliverer) Send(ctx context.Context, _ dispatch.Credential, msg *fcm.SendRequest) dispatch.Outcome {
	f.calls.Add(1)
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.fn == nil {
		return dispatch.Succeeded(msg.Recipient(), "projects/p/messages/"+msg.Message.Token)
	}
	return f.fn(ctx, msg)
}

// fcmServer answers per token: "bad" -> 400, "gone" -> 404, "busy" -> 503.
func fcmServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		switch {
		case strings.Contains(string(body), `"token":"bad"`):
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":400,"status":"INVALID_ARGUMENT"}}`))
		case strings.Contains(string(body), `"token":"gone"`):
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"status":"NOT_FOUND","details":[{"errorCode":"UNREGISTERED"}]}}`))
		case strings.Contains(string(body), `"token":"busy"`):
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`{"name":"projects/p/messages/123"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newHTTPCoordinator(t *testing.T, creds dispatch.CredentialSource) (*coordinator.Coordinator, *atomic.Int32) {
	t.Helper()
	srv, calls := fcmServer(t)
	client := fcm.NewHTTPClient(fcm.SendEndpoint(srv.URL, "p"), time.Second, newTestLogger())
	cfg := coordinator.Config{MaxConcurrency: 4, Build: fcm.DefaultBuildOptions()}
	return coordinator.New(creds, client, cfg, newTestLogger()), calls
}

var payload = dispatch.NewPayload("T", "B", map[string]string{"k": "v"})

func TestSendOne(t *testing.T) {
	ctx := context.Background()

	t.Run("Success returns message id", func(t *testing.T) {
		creds := okCredentials()
		c, calls := newHTTPCoordinator(t, creds)

		out, err := c.SendOne(ctx, dispatch.Device("tok-A"), payload)

		require.NoError(t, err)
		assert.True(t, out.Success)
		assert.Equal(t, "projects/p/messages/123", out.MessageID)
		assert.EqualValues(t, 1, calls.Load())
		creds.AssertNumberOfCalls(t, "Token", 1)
	})

	t.Run("Unregistered token is permanent", func(t *testing.T) {
		c, _ := newHTTPCoordinator(t, okCredentials())

		out, err := c.SendOne(ctx, dispatch.Device("gone"), payload)

		require.Error(t, err)
		assert.ErrorIs(t, err, dispatch.ErrPermanentDelivery)
		assert.Equal(t, dispatch.CodePermanent, out.ErrorCode)
	})

	t.Run("Provider unavailable is transient", func(t *testing.T) {
		c, _ := newHTTPCoordinator(t, okCredentials())

		out, err := c.SendOne(ctx, dispatch.Device("busy"), payload)

		assert.ErrorIs(t, err, dispatch.ErrTransientDelivery)
		assert.Equal(t, dispatch.CodeTransient, out.ErrorCode)
	})

	t.Run("Validation fails before any network call", func(t *testing.T) {
		creds := new(MockCredentials)
		c, calls := newHTTPCoordinator(t, creds)

		_, err := c.SendOne(ctx, dispatch.Device("tok-A"), dispatch.NewPayload("", "B", nil))

		assert.ErrorIs(t, err, dispatch.ErrValidation)
		assert.Zero(t, calls.Load())
		creds.AssertNotCalled(t, "Token", mock.Anything)
	})

	t.Run("Auth failure aborts before provider", func(t *testing.T) {
		creds := new(MockCredentials)
		creds.On("Token", mock.Anything).Return(dispatch.Credential{}, errors.New("invalid_grant"))
		c, calls := newHTTPCoordinator(t, creds)

		out, err := c.SendOne(ctx, dispatch.Device("tok-A"), payload)

		assert.ErrorIs(t, err, dispatch.ErrAuth)
		assert.Equal(t, dispatch.CodeAuth, out.ErrorCode)
		assert.Zero(t, calls.Load())
	})
}

func TestSendTopic(t *testing.T) {
	deliverer := &fakeDeliverer{}
	c := coordinator.New(okCredentials(), deliverer, coordinator.Config{Build: fcm.DefaultBuildOptions()}, newTestLogger())

	out, err := c.SendTopic(context.Background(), "news", payload)

	require.NoError(t, err)
	assert.True(t, out.Success)
	require.Len(t, deliverer.sent, 1)
	assert.Equal(t, "news", deliverer.sent[0].Message.Topic)
	assert.Empty(t, deliverer.sent[0].Message.Token)

	_, err = c.SendTopic(context.Background(), "", payload)
	assert.ErrorIs(t, err, dispatch.ErrValidation)
	assert.EqualValues(t, 1, deliverer.calls.Load())
}

func TestSendMany(t *testing.T) {
	ctx := context.Background()

	t.Run("Failures are isolated per recipient", func(t *testing.T) {
		creds := okCredentials()
		c, calls := newHTTPCoordinator(t, creds)
		rs := []dispatch.Recipient{dispatch.Device("A"), dispatch.Device("bad"), dispatch.Device("busy"), dispatch.Device("D")}

		res, err := c.SendMany(ctx, rs, payload)

		require.NoError(t, err)
		assert.Equal(t, 4, res.TotalCount())
		assert.Equal(t, 2, res.SuccessCount())
		assert.Equal(t, 2, res.FailureCount())
		assert.EqualValues(t, 4, calls.Load())
		creds.AssertNumberOfCalls(t, "Token", 1)

		// Outcomes stay in input order regardless of completion order.
		for i, r := range rs {
			assert.Equal(t, r, res.Outcomes[i].Recipient)
		}
		assert.Equal(t, dispatch.CodePermanent, res.Outcomes[1].ErrorCode)
		assert.Equal(t, dispatch.CodeTransient, res.Outcomes[2].ErrorCode)
		assert.Equal(t, map[string]bool{"A": true, "bad": false, "busy": false, "D": true}, res.ByToken())
	})

	t.Run("Duplicate recipients are each dispatched", func(t *testing.T) {
		deliverer := &fakeDeliverer{}
		c := coordinator.New(okCredentials(), deliverer, coordinator.Config{}, newTestLogger())

		res, err := c.SendMany(ctx, []dispatch.Recipient{dispatch.Device("A"), dispatch.Device("A")}, payload)

		require.NoError(t, err)
		assert.Equal(t, 2, res.TotalCount())
		assert.EqualValues(t, 2, deliverer.calls.Load())
		assert.Len(t, res.ByToken(), 1)
	})

	t.Run("Validation errors send nothing", func(t *testing.T) {
		testCases := []struct {
			name    string
			rs      []dispatch.Recipient
			payload dispatch.Payload
		}{
			{"Empty list", nil, payload},
			{"Empty body", []dispatch.Recipient{dispatch.Device("A")}, dispatch.NewPayload("T", "", nil)},
			{"One empty token", []dispatch.Recipient{dispatch.Device("A"), dispatch.Device("")}, payload},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				creds := new(MockCredentials)
				deliverer := &fakeDeliverer{}
				c := coordinator.New(creds, deliverer, coordinator.Config{}, newTestLogger())

				res, err := c.SendMany(ctx, tc.rs, tc.payload)

				assert.Nil(t, res)
				assert.ErrorIs(t, err, dispatch.ErrValidation)
				assert.Zero(t, deliverer.calls.Load())
				creds.AssertNotCalled(t, "Token", mock.Anything)
			})
		}
	})

	t.Run("Auth failure aborts whole batch", func(t *testing.T) {
		creds := new(MockCredentials)
		creds.On("Token", mock.Anything).Return(dispatch.Credential{}, dispatch.WrapAuth(errors.New("bad key")))
		deliverer := &fakeDeliverer{}
		c := coordinator.New(creds, deliverer, coordinator.Config{}, newTestLogger())

		res, err := c.SendMany(ctx, []dispatch.Recipient{dispatch.Device("A"), dispatch.Device("B")}, payload)

		assert.Nil(t, res)
		assert.ErrorIs(t, err, dispatch.ErrAuth)
		assert.Zero(t, deliverer.calls.Load())
	})

	t.Run("Concurrency is bounded", func(t *testing.T) {
		var inFlight, peak atomic.Int32
		deliverer := &fakeDeliverer{fn: func(ctx context.Context, msg *fcm.SendRequest) dispatch.Outcome {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return dispatch.Succeeded(msg.Recipient(), "id")
		}}
		c := coordinator.New(okCredentials(), deliverer, coordinator.Config{MaxConcurrency: 3}, newTestLogger())

		rs := make([]dispatch.Recipient, 20)
		for i := range rs {
			rs[i] = dispatch.Device("tok-" + string(rune('a'+i)))
		}
		res, err := c.SendMany(ctx, rs, payload)

		require.NoError(t, err)
		assert.Equal(t, 20, res.SuccessCount())
		assert.LessOrEqual(t, peak.Load(), int32(3))
		assert.Greater(t, peak.Load(), int32(1))
	})

	t.Run("Rate limit paces provider calls", func(t *testing.T) {
		deliverer := &fakeDeliverer{}
		cfg := coordinator.Config{MaxConcurrency: 5, RatePerSecond: 50, Burst: 1}
		c := coordinator.New(okCredentials(), deliverer, cfg, newTestLogger())
		rs := []dispatch.Recipient{
			dispatch.Device("a"), dispatch.Device("b"), dispatch.Device("c"), dispatch.Device("d"), dispatch.Device("e"),
		}

		start := time.Now()
		res, err := c.SendMany(ctx, rs, payload)

		require.NoError(t, err)
		assert.Equal(t, 5, res.SuccessCount())
		assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	})

	t.Run("Cancellation marks remaining recipients not attempted", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		started := make(chan struct{})
		deliverer := &fakeDeliverer{fn: func(ctx context.Context, msg *fcm.SendRequest) dispatch.Outcome {
			close(started)
			<-ctx.Done()
			return dispatch.Failed(msg.Recipient(), dispatch.WrapTransient(ctx.Err()))
		}}
		c := coordinator.New(okCredentials(), deliverer, coordinator.Config{MaxConcurrency: 1}, newTestLogger())
		go func() {
			<-started
			cancel()
		}()

		res, err := c.SendMany(ctx, []dispatch.Recipient{dispatch.Device("A"), dispatch.Device("B"), dispatch.Device("C")}, payload)

		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, res)
		require.Equal(t, 3, res.TotalCount())
		assert.Equal(t, dispatch.CodeTransient, res.Outcomes[0].ErrorCode)
		assert.Equal(t, dispatch.CodeNotAttempted, res.Outcomes[1].ErrorCode)
		assert.Equal(t, dispatch.CodeNotAttempted, res.Outcomes[2].ErrorCode)
		assert.Equal(t, dispatch.Device("C"), res.Outcomes[2].Recipient)
		assert.EqualValues(t, 1, deliverer.calls.Load())
	})
}
