package event_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/orderwire/go/internal/event"
)

func validActor() event.Actor {
	return event.Actor{ID: "usr-1", Role: event.RoleCustomer}
}

func TestNew(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid envelope", func(t *testing.T) {
		env, err := event.New("ORD-100", event.TypeCreated, now, validActor(), nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "ORD-100", env.OrderID)
		assert.Equal(t, event.TypeCreated, env.Type)
		assert.NotZero(t, env.ID)
	})

	t.Run("missing order id", func(t *testing.T) {
		_, err := event.New("", event.TypeCreated, now, validActor(), nil, nil)
		var verr *event.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "order_id", verr.Field)
	})

	t.Run("unknown event type rejected", func(t *testing.T) {
		_, err := event.New("ORD-100", event.Type("ORDER_TELEPORTED"), now, validActor(), nil, nil)
		var verr *event.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "event_type", verr.Field)
	})

	t.Run("zero timestamp rejected", func(t *testing.T) {
		_, err := event.New("ORD-100", event.TypeCreated, time.Time{}, validActor(), nil, nil)
		var verr *event.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "timestamp", verr.Field)
	})

	t.Run("recipient without id rejected", func(t *testing.T) {
		recipients := []event.Recipient{{Role: event.RoleAdmin}}
		_, err := event.New("ORD-100", event.TypeFailed, now, validActor(), recipients, nil)
		var verr *event.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "recipients", verr.Field)
	})
}

func TestParseType(t *testing.T) {
	for _, typ := range event.Types() {
		parsed, err := event.ParseType(string(typ))
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}

	_, err := event.ParseType("SHIPPED")
	var verr *event.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCodec(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"approval_level":"finance"}`)
	recipients := []event.Recipient{{ID: "apr-7", Role: event.RoleApprover}}

	env, err := event.New("ORD-200", event.TypeApprovalRequested, now, validActor(), recipients, payload)
	require.NoError(t, err)

	t.Run("round trip preserves envelope", func(t *testing.T) {
		data, err := event.Encode(env)
		require.NoError(t, err)

		decoded, err := event.Decode(data)
		require.NoError(t, err)
		assert.True(t, env.Equal(decoded))
	})

	t.Run("decode validates", func(t *testing.T) {
		data, err := event.Encode(env)
		require.NoError(t, err)

		var raw map[string]any
		require.NoError(t, json.Unmarshal(data, &raw))
		raw["event_type"] = "NOT_A_TYPE"
		tampered, err := json.Marshal(raw)
		require.NoError(t, err)

		_, err = event.Decode(tampered)
		var verr *event.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("decode rejects malformed json", func(t *testing.T) {
		_, err := event.Decode([]byte(`{"order_id":`))
		assert.Error(t, err)
	})
}

func TestWithRecipients(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env, err := event.New("ORD-300", event.TypeFulfilled, now, validActor(), nil, nil)
	require.NoError(t, err)

	derived := env.WithRecipients([]event.Recipient{{ID: "cus-1", Role: event.RoleCustomer}})
	assert.Empty(t, env.Recipients)
	assert.Len(t, derived.Recipients, 1)
	assert.Equal(t, env.ID, derived.ID)
}

func TestIdempotencyKey(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env, err := event.New("ORD-400", event.TypeCancelled, now, validActor(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, env.IdempotencyKey(), env.IdempotencyKey())

	other, err := event.New("ORD-400", event.TypeCancelled, now, validActor(), nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, env.IdempotencyKey(), other.IdempotencyKey())
}
