package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/orderwire/go/internal/deadletter"
	"github.com/mcdev12/orderwire/go/internal/dispatch"
	"github.com/mcdev12/orderwire/go/internal/event"
	"github.com/mcdev12/orderwire/go/internal/gateway"
	"github.com/mcdev12/orderwire/go/internal/retry"
)

func mustEnvelope(t *testing.T, orderID string, typ event.Type) event.Envelope {
	t.Helper()
	env, err := event.New(orderID, typ, time.Now().UTC(),
		event.Actor{ID: "svc-orders", Role: event.RoleOperator}, nil, nil)
	require.NoError(t, err)
	return env
}

// startGateway runs a gateway over an httptest server and returns it with
// its dead letter service.
func startGateway(t *testing.T) (*gateway.Service, *deadletter.Service, *httptest.Server) {
	t.Helper()

	store := deadletter.NewMemoryStore()
	letters := deadletter.NewService(store)
	gw := gateway.NewService(gateway.DefaultConfig(), letters)
	letters.SetBroadcast(gw.DeadLetterArchived)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gw.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return gw, letters, srv
}

// dialWS opens a WebSocket to the gateway and waits until it is
// registered, so broadcasts sent afterwards are guaranteed to reach it.
func dialWS(t *testing.T, gw *gateway.Service, srv *httptest.Server, path string, want int) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return gw.GetStats()["total_connections"].(int) >= want
	}, 5*time.Second, 10*time.Millisecond, "connection never registered")
	return conn
}

func readFeedEvent(t *testing.T, conn *websocket.Conn) gateway.FeedEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev gateway.FeedEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestOrderSubscriberSeesOnlyItsOrder(t *testing.T) {
	gw, _, srv := startGateway(t)
	conn := dialWS(t, gw, srv, "/ws/orders?order_id=ORD-7&client_id=cust-7", 1)

	other := mustEnvelope(t, "ORD-8", event.TypeCreated)
	gw.DispatchCompleted(other, dispatch.Outcome{EventID: other.ID, OrderID: "ORD-8", Type: other.Type})

	mine := mustEnvelope(t, "ORD-7", event.TypeFulfilled)
	gw.DispatchCompleted(mine, dispatch.Outcome{
		EventID: mine.ID,
		OrderID: "ORD-7",
		Type:    mine.Type,
		Delivered: []dispatch.Delivery{
			{Recipient: event.Recipient{ID: "cust-7", Role: event.RoleCustomer}, Channel: "push"},
		},
	})

	got := readFeedEvent(t, conn)
	assert.Equal(t, "ORD-7", got.OrderID, "the ORD-8 event must not reach this subscriber")
	assert.Equal(t, gateway.FeedKindDispatch, got.Kind)

	payload, err := gateway.ParseFeedData(&got)
	require.NoError(t, err)
	data, ok := payload.(gateway.DispatchData)
	require.True(t, ok)
	assert.Equal(t, mine.ID, data.EventID)
	assert.Equal(t, event.TypeFulfilled, data.EventType)
	require.Len(t, data.Delivered, 1)
	assert.Equal(t, "cust-7", data.Delivered[0].Recipient.ID)
}

func TestFirehoseSeesEverything(t *testing.T) {
	gw, letters, srv := startGateway(t)
	conn := dialWS(t, gw, srv, "/ws/feed?client_id=ops-dashboard", 1)

	env := mustEnvelope(t, "ORD-1", event.TypeCreated)
	gw.DispatchCompleted(env, dispatch.Outcome{EventID: env.ID, OrderID: "ORD-1", Type: env.Type})

	require.NoError(t, letters.Archive(context.Background(), makeAttempt(t, "ORD-2"), "exhausted 5 attempts: provider down"))

	kinds := map[gateway.FeedKind]string{}
	for i := 0; i < 2; i++ {
		ev := readFeedEvent(t, conn)
		kinds[ev.Kind] = ev.OrderID
	}
	assert.Equal(t, "ORD-1", kinds[gateway.FeedKindDispatch])
	assert.Equal(t, "ORD-2", kinds[gateway.FeedKindDeadLetter])
}

func TestDeadLetterFeedEventPayload(t *testing.T) {
	gw, letters, srv := startGateway(t)
	conn := dialWS(t, gw, srv, "/ws/orders?order_id=ORD-2", 1)

	attempt := makeAttempt(t, "ORD-2")
	require.NoError(t, letters.Archive(context.Background(), attempt, "exhausted 5 attempts: provider down"))

	got := readFeedEvent(t, conn)
	assert.Equal(t, gateway.FeedKindDeadLetter, got.Kind)

	payload, err := gateway.ParseFeedData(&got)
	require.NoError(t, err)
	data, ok := payload.(gateway.DeadLetterData)
	require.True(t, ok)
	assert.Equal(t, attempt.ID, data.LetterID)
	assert.Equal(t, "cust-2", data.Recipient)
	assert.Equal(t, "push", data.Channel)
	assert.Equal(t, 5, data.Attempts)
	assert.Contains(t, data.Reason, "exhausted")
}

func TestOrderConnectionRequiresOrderID(t *testing.T) {
	_, _, srv := startGateway(t)

	resp, err := http.Get(srv.URL + "/ws/orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeadLetterREST(t *testing.T) {
	_, letters, srv := startGateway(t)
	ctx := context.Background()

	first := makeAttempt(t, "ORD-1")
	second := makeAttempt(t, "ORD-2")
	require.NoError(t, letters.Archive(ctx, first, "exhausted"))
	require.NoError(t, letters.Archive(ctx, second, "exhausted"))
	_, err := letters.Resolve(ctx, second.ID, "ops@example.com")
	require.NoError(t, err)

	t.Run("list all and unresolved", func(t *testing.T) {
		var body struct {
			DeadLetters []deadletter.DeadLetter `json:"dead_letters"`
			Count       int                     `json:"count"`
		}
		getJSON(t, srv, "/api/deadletters", http.StatusOK, &body)
		assert.Equal(t, 2, body.Count)

		getJSON(t, srv, "/api/deadletters?unresolved=true", http.StatusOK, &body)
		require.Equal(t, 1, body.Count)
		assert.Equal(t, first.ID, body.DeadLetters[0].ID)
	})

	t.Run("get", func(t *testing.T) {
		var letter deadletter.DeadLetter
		getJSON(t, srv, "/api/deadletters/"+first.ID.String(), http.StatusOK, &letter)
		assert.Equal(t, "ORD-1", letter.Envelope.OrderID)

		var errBody map[string]string
		getJSON(t, srv, "/api/deadletters/not-a-uuid", http.StatusBadRequest, &errBody)
		getJSON(t, srv, "/api/deadletters/"+uuid.NewString(), http.StatusNotFound, &errBody)
	})

	t.Run("resolve", func(t *testing.T) {
		var letter deadletter.DeadLetter
		postJSON(t, srv, "/api/deadletters/"+first.ID.String()+"/resolve",
			`{"resolved_by":"ops@example.com"}`, http.StatusOK, &letter)
		assert.True(t, letter.Resolved())

		var errBody map[string]string
		postJSON(t, srv, "/api/deadletters/"+first.ID.String()+"/resolve",
			`{"resolved_by":"ops@example.com"}`, http.StatusConflict, &errBody)
		postJSON(t, srv, "/api/deadletters/"+second.ID.String()+"/resolve",
			`{}`, http.StatusBadRequest, &errBody)
	})

	t.Run("stats", func(t *testing.T) {
		var body struct {
			DeadLetters deadletter.Stats       `json:"dead_letters"`
			Connections map[string]interface{} `json:"connections"`
		}
		getJSON(t, srv, "/api/stats", http.StatusOK, &body)
		assert.Equal(t, int64(2), body.DeadLetters.Total)
		assert.Contains(t, body.Connections, "total_connections")
	})
}

func TestHealthEndpoint(t *testing.T) {
	gw, _, srv := startGateway(t)

	var healthy gateway.HealthStatus
	getJSON(t, srv, "/healthz", http.StatusOK, &healthy)
	assert.True(t, healthy.Healthy)

	gw.Health().Register("event_log", func(ctx context.Context) error { return nil })
	gw.Health().Register("retry_store", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	var unhealthy gateway.HealthStatus
	getJSON(t, srv, "/healthz", http.StatusServiceUnavailable, &unhealthy)
	assert.False(t, unhealthy.Healthy)
	assert.Equal(t, "ok", unhealthy.Components["event_log"])
	assert.Contains(t, unhealthy.Components["retry_store"], "connection refused")
}

func makeAttempt(t *testing.T, orderID string) retry.Attempt {
	t.Helper()
	return retry.Attempt{
		ID:            uuid.New(),
		Envelope:      mustEnvelope(t, orderID, event.TypeFailed),
		Recipient:     event.Recipient{ID: "cust-2", Role: event.RoleCustomer},
		Channel:       "push",
		AttemptNumber: 5,
		LastError:     "provider down",
	}
}

func getJSON(t *testing.T, srv *httptest.Server, path string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode, "GET %s", path)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func postJSON(t *testing.T, srv *httptest.Server, path, body string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode, "POST %s", path)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}
