package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/orderwire/go/internal/channel"
	"github.com/mcdev12/orderwire/go/internal/dispatch"
	"github.com/mcdev12/orderwire/go/internal/event"
	"github.com/mcdev12/orderwire/go/internal/eventlog"
	"github.com/mcdev12/orderwire/go/internal/retry"
)

// fakeChannel records deliveries and can be told to fail for specific
// recipients.
type fakeChannel struct {
	name string

	mu        sync.Mutex
	delivered []channel.Notification
	failFor   map[string]error
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Init() error  { return nil }

func (f *fakeChannel) Deliver(ctx context.Context, n channel.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[n.Recipient.ID]; ok {
		return err
	}
	f.delivered = append(f.delivered, n)
	return nil
}

func (f *fakeChannel) failRecipient(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor == nil {
		f.failFor = make(map[string]error)
	}
	f.failFor[id] = err
}

func (f *fakeChannel) notifications() []channel.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channel.Notification, len(f.delivered))
	copy(out, f.delivered)
	return out
}

// fakeScheduler captures scheduled attempts instead of persisting them.
type fakeScheduler struct {
	mu       sync.Mutex
	attempts []retry.Attempt
	err      error
}

func (s *fakeScheduler) ScheduleRetry(ctx context.Context, a retry.Attempt) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return uuid.Nil, s.err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	s.attempts = append(s.attempts, a)
	return a.ID, nil
}

func (s *fakeScheduler) scheduled() []retry.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]retry.Attempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

type fakeSink struct {
	mu       sync.Mutex
	outcomes []dispatch.Outcome
}

func (s *fakeSink) DispatchCompleted(env event.Envelope, out dispatch.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, out)
}

func (s *fakeSink) completed() []dispatch.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.Outcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

// fixtureSeq keeps registered channel names unique even when one test
// builds several fixtures; the channel registry rejects duplicates.
var fixtureSeq atomic.Int64

// fixture wires a dispatcher against fake channels registered under
// test-unique names, so the process-wide channel registry never collides
// across tests.
type fixture struct {
	push      *fakeChannel
	email     *fakeChannel
	sms       *fakeChannel
	router    *channel.Router
	scheduler *fakeScheduler
	sink      *fakeSink
	d         *dispatch.Dispatcher
}

func newFixture(t *testing.T, cfg dispatch.StaticResolverConfig) *fixture {
	t.Helper()

	suffix := fmt.Sprintf("%s-%d", strings.ToLower(strings.ReplaceAll(t.Name(), "/", "-")), fixtureSeq.Add(1))
	f := &fixture{
		push:      &fakeChannel{name: "push-" + suffix},
		email:     &fakeChannel{name: "email-" + suffix},
		sms:       &fakeChannel{name: "sms-" + suffix},
		scheduler: &fakeScheduler{},
		sink:      &fakeSink{},
	}
	for _, ch := range []*fakeChannel{f.push, f.email, f.sms} {
		require.NoError(t, channel.Register(ch))
	}

	router, err := channel.NewRouter(channel.RouterConfig{
		Routes: map[event.Role]string{
			event.RoleCustomer: f.push.name,
			event.RoleCreator:  f.push.name,
			event.RoleApprover: f.email.name,
			event.RoleAdmin:    f.email.name,
			event.RoleOperator: f.sms.name,
		},
		Default: f.email.name,
	})
	require.NoError(t, err)
	f.router = router

	f.d = dispatch.NewDispatcher(dispatch.NewStaticResolver(cfg), router, f.scheduler, dispatch.Config{Sink: f.sink})
	return f
}

func directory() dispatch.StaticResolverConfig {
	return dispatch.StaticResolverConfig{
		Admins:    []string{"admin-1"},
		Operators: []string{"ops-1"},
		Approvers: map[string][]string{"finance": {"fin-1", "fin-2"}},
		Customers: map[string]string{"ORD-7": "cust-7"},
		Creators:  map[string]string{"ORD-7": "creator-7"},
	}
}

func orderEnvelope(t *testing.T, typ event.Type, payload json.RawMessage) event.Envelope {
	t.Helper()
	env, err := event.New("ORD-7", typ, time.Now().UTC(),
		event.Actor{ID: "svc-orders", Role: event.RoleOperator}, nil, payload)
	require.NoError(t, err)
	return env
}

func recipientIDs(deliveries []dispatch.Delivery) []string {
	out := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, d.Recipient.ID)
	}
	return out
}

func TestDispatcherPolicyTable(t *testing.T) {
	t.Run("customer events reach the customer", func(t *testing.T) {
		for _, typ := range []event.Type{event.TypeCreated, event.TypeFulfilled, event.TypeCancelled} {
			f := newFixture(t, directory())
			env := orderEnvelope(t, typ, nil)

			out, err := f.d.Dispatch(context.Background(), env)

			require.NoError(t, err, "type %s", typ)
			assert.False(t, out.Unhandled)
			assert.ElementsMatch(t, []string{"cust-7"}, recipientIDs(out.Delivered), "type %s", typ)
			assert.Empty(t, out.Scheduled)

			got := f.push.notifications()
			require.Len(t, got, 1, "type %s", typ)
			assert.Equal(t, env.ID, got[0].Envelope.ID)
			assert.Equal(t, dispatch.DeliveryKey(env, got[0].Recipient, f.push.name), got[0].IdempotencyKey)
			assert.Contains(t, got[0].Subject, "ORD-7")
		}
	})

	t.Run("approval requests reach the named approval level", func(t *testing.T) {
		f := newFixture(t, directory())
		env := orderEnvelope(t, event.TypeApprovalRequested, json.RawMessage(`{"approval_level":"finance"}`))

		out, err := f.d.Dispatch(context.Background(), env)

		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"fin-1", "fin-2"}, recipientIDs(out.Delivered))

		got := f.email.notifications()
		require.Len(t, got, 2)
		assert.Contains(t, got[0].Subject, "needs your approval")
		assert.Contains(t, got[0].Body, "Approval level: finance.")
		assert.Empty(t, f.push.notifications())
	})

	t.Run("approval outcomes reach admin and creator", func(t *testing.T) {
		for _, typ := range []event.Type{event.TypeApprovalCompleted, event.TypeApprovalRejected} {
			f := newFixture(t, directory())
			env := orderEnvelope(t, typ, nil)

			out, err := f.d.Dispatch(context.Background(), env)

			require.NoError(t, err, "type %s", typ)
			assert.ElementsMatch(t, []string{"admin-1", "creator-7"}, recipientIDs(out.Delivered), "type %s", typ)
			assert.Len(t, f.email.notifications(), 1, "admin goes over email")
			assert.Len(t, f.push.notifications(), 1, "creator goes over push")
		}
	})

	t.Run("failures reach admin and operator", func(t *testing.T) {
		f := newFixture(t, directory())
		env := orderEnvelope(t, event.TypeFailed, json.RawMessage(`{"reason":"payment provider timeout"}`))

		out, err := f.d.Dispatch(context.Background(), env)

		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"admin-1", "ops-1"}, recipientIDs(out.Delivered))

		sms := f.sms.notifications()
		require.Len(t, sms, 1)
		assert.Contains(t, sms[0].Body, "Reason: payment provider timeout.")
	})

	t.Run("duplicate recipients across roles get one notification", func(t *testing.T) {
		cfg := directory()
		cfg.Creators["ORD-7"] = "admin-1" // admin created the order
		f := newFixture(t, cfg)
		env := orderEnvelope(t, event.TypeApprovalCompleted, nil)

		out, err := f.d.Dispatch(context.Background(), env)

		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"admin-1"}, recipientIDs(out.Delivered))
		assert.Len(t, f.email.notifications(), 1)
		assert.Empty(t, f.push.notifications())
	})
}

func TestDispatcherUnhandledTypeIsNotAnError(t *testing.T) {
	f := newFixture(t, directory())

	// A publisher running newer code can emit types this build has no
	// policy for. Built directly because event.New rejects unknown types.
	env := event.Envelope{
		ID:          uuid.New(),
		OrderID:     "ORD-7",
		Type:        event.Type("RETURN_REQUESTED"),
		Timestamp:   time.Now().UTC(),
		TriggeredBy: event.Actor{ID: "cust-7", Role: event.RoleCustomer},
	}

	out, err := f.d.Dispatch(context.Background(), env)

	require.NoError(t, err, "unknown event types are a signal, not a failure")
	assert.True(t, out.Unhandled)
	assert.Empty(t, out.Delivered)
	assert.Empty(t, out.Scheduled)
	assert.Empty(t, f.push.notifications())
	assert.Empty(t, f.email.notifications())
	assert.Empty(t, f.scheduler.scheduled())

	outcomes := f.sink.completed()
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Unhandled)
}

func TestDispatcherPinnedRecipientsSkipResolver(t *testing.T) {
	// Empty directory: any resolver lookup would error.
	f := newFixture(t, dispatch.StaticResolverConfig{})

	env, err := event.New("ORD-9", event.TypeFulfilled, time.Now().UTC(),
		event.Actor{ID: "svc-orders", Role: event.RoleOperator},
		[]event.Recipient{
			{ID: "vip-1", Role: event.RoleCustomer},
			{ID: "ops-9", Role: event.RoleOperator},
		}, nil)
	require.NoError(t, err)

	out, err := f.d.Dispatch(context.Background(), env)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"vip-1", "ops-9"}, recipientIDs(out.Delivered))
	assert.Len(t, f.push.notifications(), 1)
	assert.Len(t, f.sms.notifications(), 1)
}

func TestDispatcherSchedulesRetryOnDeliveryFailure(t *testing.T) {
	f := newFixture(t, directory())
	f.push.failRecipient("creator-7", errors.New("push provider 503"))
	env := orderEnvelope(t, event.TypeApprovalCompleted, nil)

	out, err := f.d.Dispatch(context.Background(), env)

	require.NoError(t, err, "a failed recipient must not fail the dispatch")
	assert.ElementsMatch(t, []string{"admin-1"}, recipientIDs(out.Delivered), "healthy recipients still delivered")
	require.Len(t, out.Scheduled, 1)

	attempts := f.scheduler.scheduled()
	require.Len(t, attempts, 1)
	a := attempts[0]
	assert.Equal(t, out.Scheduled[0], a.ID)
	assert.Equal(t, env.ID, a.Envelope.ID)
	assert.Equal(t, "creator-7", a.Recipient.ID)
	assert.Equal(t, f.push.name, a.Channel)
	assert.Equal(t, 1, a.AttemptNumber)
	assert.Equal(t, retry.StatusFailed, a.Status)
	assert.Contains(t, a.LastError, "push provider 503")
	assert.Equal(t, dispatch.DeliveryKey(env, a.Recipient, f.push.name), a.IdempotencyKey,
		"the retry must reuse the original delivery key so the provider can dedupe")
	assert.False(t, a.Redispatch())
}

func TestDispatcherFailsWhenRetryCannotBePersisted(t *testing.T) {
	f := newFixture(t, directory())
	f.push.failRecipient("cust-7", errors.New("push provider 503"))
	f.scheduler.err = errors.New("store unavailable")
	env := orderEnvelope(t, event.TypeCreated, nil)

	_, err := f.d.Dispatch(context.Background(), env)

	require.Error(t, err, "an unpersisted retry would lose the notification")
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestDispatcherResolverErrorFailsDispatch(t *testing.T) {
	f := newFixture(t, dispatch.StaticResolverConfig{})
	env := orderEnvelope(t, event.TypeFailed, nil)

	_, err := f.d.Dispatch(context.Background(), env)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve recipients for order ORD-7")
}

func TestDispatcherHandleFailureParksWholeEnvelope(t *testing.T) {
	f := newFixture(t, directory())
	env := orderEnvelope(t, event.TypeCreated, nil)
	rec := eventlog.Record{Envelope: env, Partition: 2, Sequence: 14}

	err := f.d.HandleFailure(context.Background(), rec, errors.New("resolver outage"))

	require.NoError(t, err)
	attempts := f.scheduler.scheduled()
	require.Len(t, attempts, 1)
	a := attempts[0]
	assert.True(t, a.Redispatch(), "a parked record replays the whole policy table")
	assert.Empty(t, a.Recipient.ID)
	assert.Empty(t, a.Channel)
	assert.Equal(t, env.ID, a.Envelope.ID)
	assert.Equal(t, retry.StatusFailed, a.Status)
	assert.Contains(t, a.LastError, "resolver outage")
	assert.Equal(t, env.IdempotencyKey(), a.IdempotencyKey)
}

func TestDispatcherExecuteAttempt(t *testing.T) {
	t.Run("pinned attempt redelivers on its original channel", func(t *testing.T) {
		f := newFixture(t, directory())
		env := orderEnvelope(t, event.TypeFulfilled, nil)
		key := uuid.New()

		err := f.d.ExecuteAttempt(context.Background(), retry.Attempt{
			Envelope:       env,
			Recipient:      event.Recipient{ID: "cust-7", Role: event.RoleCustomer},
			Channel:        f.push.name,
			AttemptNumber:  2,
			IdempotencyKey: key,
		})

		require.NoError(t, err)
		got := f.push.notifications()
		require.Len(t, got, 1)
		assert.Equal(t, "cust-7", got[0].Recipient.ID)
		assert.Equal(t, key, got[0].IdempotencyKey, "redelivery keeps the original key")
		assert.Contains(t, got[0].Subject, "fulfilled")
	})

	t.Run("pinned attempt surfaces channel failures for rescheduling", func(t *testing.T) {
		f := newFixture(t, directory())
		f.push.failRecipient("cust-7", errors.New("push provider 503"))
		env := orderEnvelope(t, event.TypeFulfilled, nil)

		err := f.d.ExecuteAttempt(context.Background(), retry.Attempt{
			Envelope:  env,
			Recipient: event.Recipient{ID: "cust-7", Role: event.RoleCustomer},
			Channel:   f.push.name,
		})

		var dErr *dispatch.DeliveryError
		require.ErrorAs(t, err, &dErr)
		assert.Equal(t, "cust-7", dErr.Recipient)
		assert.Equal(t, f.push.name, dErr.Channel)
		assert.ErrorContains(t, err, "push provider 503")
	})

	t.Run("pinned attempt to an unregistered channel errors", func(t *testing.T) {
		f := newFixture(t, directory())
		env := orderEnvelope(t, event.TypeFulfilled, nil)

		err := f.d.ExecuteAttempt(context.Background(), retry.Attempt{
			Envelope:  env,
			Recipient: event.Recipient{ID: "cust-7", Role: event.RoleCustomer},
			Channel:   "telegraph",
		})

		require.ErrorContains(t, err, `"telegraph"`)
	})

	t.Run("redispatch attempt re-runs the policy table", func(t *testing.T) {
		f := newFixture(t, directory())
		env := orderEnvelope(t, event.TypeFulfilled, nil)

		err := f.d.ExecuteAttempt(context.Background(), retry.Attempt{
			Envelope:       env,
			IdempotencyKey: env.IdempotencyKey(),
		})

		require.NoError(t, err)
		got := f.push.notifications()
		require.Len(t, got, 1)
		assert.Equal(t, "cust-7", got[0].Recipient.ID)
		assert.Equal(t, dispatch.DeliveryKey(env, got[0].Recipient, f.push.name), got[0].IdempotencyKey,
			"redispatch derives fresh per-delivery keys")
	})
}

func TestDispatcherHandleConsumesRecords(t *testing.T) {
	f := newFixture(t, directory())
	env := orderEnvelope(t, event.TypeCreated, nil)

	err := f.d.Handle(context.Background(), eventlog.Record{Envelope: env, Partition: 0, Sequence: 1})

	require.NoError(t, err)
	require.Len(t, f.push.notifications(), 1)

	outcomes := f.sink.completed()
	require.Len(t, outcomes, 1)
	assert.Equal(t, env.ID, outcomes[0].EventID)
	assert.Equal(t, event.TypeCreated, outcomes[0].Type)
}

func TestDeliveryKey(t *testing.T) {
	env := event.Envelope{ID: uuid.New(), OrderID: "ORD-7", Type: event.TypeCreated}
	rcpt := event.Recipient{ID: "cust-7", Role: event.RoleCustomer}

	key := dispatch.DeliveryKey(env, rcpt, "push")
	assert.Equal(t, key, dispatch.DeliveryKey(env, rcpt, "push"), "stable across calls")
	assert.NotEqual(t, key, dispatch.DeliveryKey(env, rcpt, "email"), "channel changes the key")
	assert.NotEqual(t, key, dispatch.DeliveryKey(env, event.Recipient{ID: "cust-8"}, "push"), "recipient changes the key")
}

func TestStaticResolver(t *testing.T) {
	ctx := context.Background()
	r := dispatch.NewStaticResolver(directory())

	t.Run("customer falls back to the triggering actor", func(t *testing.T) {
		env, err := event.New("ORD-UNKNOWN", event.TypeCreated, time.Now().UTC(),
			event.Actor{ID: "cust-55", Role: event.RoleCustomer}, nil, nil)
		require.NoError(t, err)

		got, err := r.ResolveRole(ctx, env, event.RoleCustomer)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "cust-55", got[0].ID)
	})

	t.Run("customer unknown and no fallback is an error", func(t *testing.T) {
		env, err := event.New("ORD-UNKNOWN", event.TypeCreated, time.Now().UTC(),
			event.Actor{ID: "svc-orders", Role: event.RoleOperator}, nil, nil)
		require.NoError(t, err)

		_, err = r.ResolveRole(ctx, env, event.RoleCustomer)
		require.ErrorContains(t, err, "no customer known for order ORD-UNKNOWN")
	})

	t.Run("creator falls back to the customer entry", func(t *testing.T) {
		cfg := directory()
		delete(cfg.Creators, "ORD-7")
		env, err := event.New("ORD-7", event.TypeApprovalCompleted, time.Now().UTC(),
			event.Actor{ID: "admin-1", Role: event.RoleAdmin}, nil, nil)
		require.NoError(t, err)

		got, err := dispatch.NewStaticResolver(cfg).ResolveRole(ctx, env, event.RoleCreator)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "cust-7", got[0].ID)
		assert.Equal(t, event.RoleCreator, got[0].Role)
	})

	t.Run("unknown approval level is an error", func(t *testing.T) {
		env, err := event.New("ORD-7", event.TypeApprovalRequested, time.Now().UTC(),
			event.Actor{ID: "cust-7", Role: event.RoleCustomer}, nil, nil)
		require.NoError(t, err)

		_, err = r.ResolveApprovers(ctx, env, "board")
		require.ErrorContains(t, err, `no approvers configured for level "board"`)
	})

	t.Run("unsupported role is an error", func(t *testing.T) {
		env, err := event.New("ORD-7", event.TypeCreated, time.Now().UTC(),
			event.Actor{ID: "cust-7", Role: event.RoleCustomer}, nil, nil)
		require.NoError(t, err)

		_, err = r.ResolveRole(ctx, env, event.Role("auditor"))
		require.ErrorContains(t, err, `unsupported recipient role "auditor"`)
	})
}
