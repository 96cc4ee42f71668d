package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteka/gateway/cache"
	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/registry"
)

const (
	callerRequestID = "5f7a535d-a3fd-416b-b069-c97d021fbacd"
	correlationID   = "0c8b3a4e-4d8f-4a59-9a3c-1f1e2d3c4b5a"
)

func testRegistry() *registry.Static {
	return registry.NewStatic(
		contracts.Participant{ID: "ncg", Role: contracts.RoleConsentManager, BaseURL: "http://cm", Active: true},
		contracts.Participant{ID: "hip-1", Role: contracts.RoleHealthInformationProvider, BaseURL: "http://hip", Active: true},
		contracts.Participant{ID: "hip-off", Role: contracts.RoleHealthInformationProvider, BaseURL: "http://hip", Active: false},
		contracts.Participant{ID: "hiu-1", Role: contracts.RoleHealthInformationUser, BaseURL: "http://hiu", Active: true},
		contracts.Participant{ID: "bridge-1", Role: contracts.RoleBridge, BaseURL: "http://bridge", Active: true},
	)
}

func flow(t *testing.T, name string) contracts.Flow {
	t.Helper()
	for _, f := range contracts.DefaultFlows("", "") {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("no flow %s", name)
	return contracts.Flow{}
}

func envelope(t *testing.T, body string) *contracts.Envelope {
	t.Helper()
	env, err := contracts.ParseEnvelope([]byte(body))
	require.NoError(t, err)
	return env
}

func TestValidateRequest(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory(cache.WithCleanupInterval(0))
	defer c.Close()
	v := New(testRegistry(), c)
	discovery := flow(t, contracts.FlowDiscovery)
	request := `{"requestId":"` + callerRequestID + `"}`

	t.Run("admits a valid request and resolves both parties", func(t *testing.T) {
		res, err := v.Validate(ctx, Input{
			Kind:     KindRequest,
			Flow:     discovery,
			Envelope: envelope(t, request),
			SenderID: "ncg",
			TargetID: "hip-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "ncg", res.Sender.ID)
		assert.Equal(t, "hip-1", res.Target.ID)
	})

	tests := []struct {
		name   string
		flow   contracts.Flow
		body   string
		sender string
		target string
		want   *contracts.Error
	}{
		{"missing requestId", discovery, `{"timestamp":"x"}`, "ncg", "hip-1", contracts.ErrMalformedEnvelope},
		{"non uuid requestId", discovery, `{"requestId":"abc"}`, "ncg", "hip-1", contracts.ErrMalformedEnvelope},
		{"already correlated", discovery, `{"requestId":"` + callerRequestID + `","resp":{"requestId":"` + correlationID + `"}}`, "ncg", "hip-1", contracts.ErrMalformedEnvelope},
		{"no sender", discovery, request, "", "hip-1", contracts.ErrUnknownOrInactiveSender},
		{"unknown sender", discovery, request, "ghost", "hip-1", contracts.ErrUnknownOrInactiveSender},
		{"inactive sender", flow(t, contracts.FlowHealthInfoNotify), request, "hip-off", "ncg", contracts.ErrUnknownOrInactiveSender},
		{"wrong role for flow", discovery, request, "hiu-1", "hip-1", contracts.ErrUnauthorizedFlow},
		{"missing target", discovery, request, "ncg", "", contracts.ErrUnknownTarget},
		{"unknown target", discovery, request, "ncg", "ghost", contracts.ErrUnknownTarget},
		{"inactive target", discovery, request, "ncg", "hip-off", contracts.ErrUnknownTarget},
		{"target of wrong role", discovery, request, "ncg", "hiu-1", contracts.ErrUnknownTarget},
		// malformed wins over unknown sender
		{"first failure wins", discovery, `{"requestId":"abc"}`, "ghost", "ghost", contracts.ErrMalformedEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(ctx, Input{
				Kind:     KindRequest,
				Flow:     tt.flow,
				Envelope: envelope(t, tt.body),
				SenderID: tt.sender,
				TargetID: tt.target,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, contracts.IsValidation(err))
		})
	}

	t.Run("bridges may act as information users", func(t *testing.T) {
		_, err := v.Validate(ctx, Input{
			Kind:     KindRequest,
			Flow:     flow(t, contracts.FlowConsentRequest),
			Envelope: envelope(t, request),
			SenderID: "bridge-1",
			TargetID: "ncg",
		})
		assert.NoError(t, err)
	})

	t.Run("registry outage is not a validation rejection", func(t *testing.T) {
		down := New(registry.Func(func(context.Context, string) (contracts.Participant, error) {
			return contracts.Participant{}, errors.New("connection refused")
		}), c)

		_, err := down.Validate(ctx, Input{
			Kind:     KindRequest,
			Flow:     discovery,
			Envelope: envelope(t, request),
			SenderID: "ncg",
			TargetID: "hip-1",
		})
		assert.ErrorIs(t, err, contracts.ErrRegistryUnavailable)
		assert.False(t, contracts.IsValidation(err))
	})
}

func TestValidateResponse(t *testing.T) {
	ctx := context.Background()
	discovery := flow(t, contracts.FlowDiscovery)
	response := `{"requestId":"` + callerRequestID + `","resp":{"requestId":"` + correlationID + `"}}`

	newValidator := func(t *testing.T, entry *cache.Entry) *Validator {
		t.Helper()
		c := cache.NewMemory(cache.WithCleanupInterval(0))
		t.Cleanup(func() { _ = c.Close() })
		if entry != nil {
			value, err := entry.Encode()
			require.NoError(t, err)
			require.NoError(t, c.Put(ctx, correlationID, value, time.Minute))
		}
		return New(testRegistry(), c)
	}

	t.Run("admits a known correlation", func(t *testing.T) {
		v := newValidator(t, &cache.Entry{RequestID: "r-1", CallerID: "ncg", Flow: contracts.FlowDiscovery})

		res, err := v.Validate(ctx, Input{Kind: KindResponse, Flow: discovery, Envelope: envelope(t, response), SenderID: "hip-1"})
		require.NoError(t, err)
		assert.Equal(t, "r-1", res.Entry.RequestID)
		assert.Equal(t, "ncg", res.Entry.CallerID)
	})

	t.Run("unknown correlation", func(t *testing.T) {
		v := newValidator(t, nil)

		_, err := v.Validate(ctx, Input{Kind: KindResponse, Flow: discovery, Envelope: envelope(t, response), SenderID: "hip-1"})
		assert.ErrorIs(t, err, contracts.ErrUnknownOrExpiredCorrelation)
	})

	t.Run("correlation minted for another flow", func(t *testing.T) {
		v := newValidator(t, &cache.Entry{RequestID: "r-1", CallerID: "ncg", Flow: contracts.FlowLinkInit})

		_, err := v.Validate(ctx, Input{Kind: KindResponse, Flow: discovery, Envelope: envelope(t, response), SenderID: "hip-1"})
		assert.ErrorIs(t, err, contracts.ErrUnknownOrExpiredCorrelation)
	})

	t.Run("missing correlation pointer", func(t *testing.T) {
		v := newValidator(t, nil)

		_, err := v.Validate(ctx, Input{Kind: KindResponse, Flow: discovery, Envelope: envelope(t, `{"requestId":"`+callerRequestID+`"}`), SenderID: "hip-1"})
		assert.ErrorIs(t, err, contracts.ErrMalformedEnvelope)
	})

	t.Run("only the addressed participant may answer", func(t *testing.T) {
		reg := registry.NewStatic(
			contracts.Participant{ID: "hip-1", Role: contracts.RoleHealthInformationProvider, BaseURL: "http://hip", Active: true},
			contracts.Participant{ID: "hip-2", Role: contracts.RoleHealthInformationProvider, BaseURL: "http://hip2", Active: true},
			contracts.Participant{ID: "bridge-1", Role: contracts.RoleBridge, BaseURL: "http://bridge", Active: true},
		)
		c := cache.NewMemory(cache.WithCleanupInterval(0))
		t.Cleanup(func() { _ = c.Close() })
		value, err := cache.Entry{RequestID: "r-1", CallerID: "ncg", Flow: contracts.FlowDiscovery, TargetID: "hip-1"}.Encode()
		require.NoError(t, err)
		require.NoError(t, c.Put(ctx, correlationID, value, time.Minute))
		v := New(reg, c)

		_, err = v.Validate(ctx, Input{Kind: KindResponse, Flow: discovery, Envelope: envelope(t, response), SenderID: "hip-2"})
		assert.ErrorIs(t, err, contracts.ErrUnknownOrExpiredCorrelation)

		_, err = v.Validate(ctx, Input{Kind: KindResponse, Flow: discovery, Envelope: envelope(t, response), SenderID: "bridge-1"})
		assert.NoError(t, err)

		res, err := v.Validate(ctx, Input{Kind: KindResponse, Flow: discovery, Envelope: envelope(t, response), SenderID: "hip-1"})
		require.NoError(t, err)
		assert.Equal(t, "hip-1", res.Entry.TargetID)

		ok, err := c.Invalidate(ctx, correlationID)
		require.NoError(t, err)
		assert.True(t, ok, "a rejected answer must leave the entry in place")
	})

	t.Run("sender not allowed to answer", func(t *testing.T) {
		v := newValidator(t, &cache.Entry{RequestID: "r-1", CallerID: "ncg", Flow: contracts.FlowDiscovery})

		_, err := v.Validate(ctx, Input{Kind: KindResponse, Flow: discovery, Envelope: envelope(t, response), SenderID: "hiu-1"})
		assert.ErrorIs(t, err, contracts.ErrUnauthorizedFlow)
	})

	t.Run("notify flows have no response leg", func(t *testing.T) {
		v := newValidator(t, nil)

		_, err := v.Validate(ctx, Input{Kind: KindResponse, Flow: flow(t, contracts.FlowHIPConsentNotify), Envelope: envelope(t, response), SenderID: "hip-1"})
		assert.ErrorIs(t, err, contracts.ErrUnauthorizedFlow)
	})

	t.Run("unknown sender checked before correlation", func(t *testing.T) {
		v := newValidator(t, nil)

		_, err := v.Validate(ctx, Input{Kind: KindResponse, Flow: discovery, Envelope: envelope(t, response), SenderID: "ghost"})
		assert.ErrorIs(t, err, contracts.ErrUnknownOrInactiveSender)
	})

	t.Run("cache outage", func(t *testing.T) {
		c := cache.NewMemory(cache.WithCleanupInterval(0))
		require.NoError(t, c.Close())
		v := New(testRegistry(), c)

		_, err := v.Validate(ctx, Input{Kind: KindResponse, Flow: discovery, Envelope: envelope(t, response), SenderID: "hip-1"})
		assert.ErrorIs(t, err, contracts.ErrCorrelationStoreFailure)
		assert.False(t, contracts.IsValidation(err))
	})
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "request", KindRequest.String())
	assert.Equal(t, "response", KindResponse.String())
}
