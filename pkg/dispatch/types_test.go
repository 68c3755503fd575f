package dispatch_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

func TestPayload(t *testing.T) {
	t.Run("Copies data on construction", func(t *testing.T) {
		data := map[string]string{"k": "v"}
		p := dispatch.NewPayload("T", "B", data)
		data["k"] = "changed"

		assert.Equal(t, "v", p.Data()["k"])
	})

	t.Run("Data is never nil", func(t *testing.T) {
		p := dispatch.NewPayload("T", "B", nil)
		assert.NotNil(t, p.Data())
		assert.Empty(t, p.Data())
	})

	t.Run("Validate rejects empty title and body", func(t *testing.T) {
		err := dispatch.NewPayload("", "", nil).Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, dispatch.ErrValidation)
		assert.Contains(t, err.Error(), "title, body")
	})

	t.Run("Validate accepts complete payload", func(t *testing.T) {
		assert.NoError(t, dispatch.NewPayload("T", "B", nil).Validate())
	})

	t.Run("Validate only rejects empty text", func(t *testing.T) {
		assert.NoError(t, dispatch.NewPayload(" ", "\t", nil).Validate())
	})
}

func TestCredential_ValidFor(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, dispatch.Credential{Token: "t", ExpiresAt: now.Add(time.Hour)}.ValidFor(now, 5*time.Minute))
	assert.False(t, dispatch.Credential{Token: "t", ExpiresAt: now.Add(4 * time.Minute)}.ValidFor(now, 5*time.Minute))
	assert.False(t, dispatch.Credential{ExpiresAt: now.Add(time.Hour)}.ValidFor(now, 0))
}

func TestCodeOf(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want dispatch.ErrorCode
	}{
		{"nil", nil, dispatch.CodeNone},
		{"auth", dispatch.WrapAuth(errors.New("bad key")), dispatch.CodeAuth},
		{"validation", dispatch.WrapValidation(nil), dispatch.CodeValidation},
		{"permanent", dispatch.WrapPermanent(errors.New("404")), dispatch.CodePermanent},
		{"transient", dispatch.WrapTransient(errors.New("503")), dispatch.CodeTransient},
		{"unclassified counts as transient", errors.New("boom"), dispatch.CodeTransient},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, dispatch.CodeOf(tc.err))
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("unregistered")
	err := dispatch.WrapPermanent(cause)

	assert.ErrorIs(t, err, dispatch.ErrPermanentDelivery)
	assert.ErrorIs(t, err, cause)
	assert.Same(t, err, dispatch.WrapPermanent(err), "wrapping twice is a no-op")
}

func TestBatchResult_Counts(t *testing.T) {
	b := &dispatch.BatchResult{Outcomes: []dispatch.Outcome{
		dispatch.Succeeded(dispatch.Device("tok-A"), "m1"),
		dispatch.Failed(dispatch.Device("tok-B"), dispatch.WrapPermanent(errors.New("400"))),
		dispatch.Succeeded(dispatch.Device("tok-A"), "m2"),
		dispatch.Failed(dispatch.Device("tok-A"), dispatch.WrapTransient(errors.New("503"))),
	}}

	assert.Equal(t, 4, b.TotalCount())
	assert.Equal(t, 2, b.SuccessCount())
	assert.Equal(t, 2, b.FailureCount())
	assert.Equal(t, b.TotalCount(), b.SuccessCount()+b.FailureCount())

	// last occurrence of tok-A failed
	assert.Equal(t, map[string]bool{"tok-A": false, "tok-B": false}, b.ByToken())
}

func TestOutcome_AsError(t *testing.T) {
	ok := dispatch.Succeeded(dispatch.Topic("news"), "m")
	assert.NoError(t, ok.AsError())

	failed := dispatch.Outcome{Recipient: dispatch.Topic("news"), ErrorCode: dispatch.CodePermanent, ErrorDetail: "404"}
	assert.ErrorIs(t, failed.AsError(), dispatch.ErrPermanentDelivery)

	skipped := dispatch.NotAttempted(dispatch.Device("x"), nil)
	assert.ErrorIs(t, skipped.AsError(), dispatch.ErrTransientDelivery)
}

func TestNewReceipt(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 3600))
	outcomes := []dispatch.Outcome{
		dispatch.Succeeded(dispatch.Device("abcdefghijklmnopqrstuvwxyz"), "m1"),
		dispatch.Failed(dispatch.Topic("news"), dispatch.WrapTransient(nil)),
	}

	r := dispatch.NewReceipt("id-1", "deviceList", "T", outcomes, at)

	assert.Equal(t, 2, r.TotalCount)
	assert.Equal(t, 1, r.SuccessCount)
	assert.Equal(t, time.UTC, r.CreatedAt.Location())
	require.Len(t, r.Results, 2)
	assert.Equal(t, "device:abcdef...wxyz", r.Results[0].Recipient)
	assert.Equal(t, "topic:news", r.Results[1].Recipient)
	assert.Equal(t, dispatch.CodeTransient, r.Results[1].ErrorCode)
}
