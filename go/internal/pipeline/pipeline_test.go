package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/orderwire/go/internal/channel"
	"github.com/mcdev12/orderwire/go/internal/config"
	"github.com/mcdev12/orderwire/go/internal/deadletter"
	"github.com/mcdev12/orderwire/go/internal/dispatch"
	owerrors "github.com/mcdev12/orderwire/go/internal/errors"
	"github.com/mcdev12/orderwire/go/internal/event"
	"github.com/mcdev12/orderwire/go/internal/gateway"
	"github.com/mcdev12/orderwire/go/internal/pipeline"
)

// blackholeChannel never delivers, so anything routed to it burns through
// its retry budget and lands in the dead letter archive.
type blackholeChannel struct{}

func (blackholeChannel) Name() string { return "blackhole" }
func (blackholeChannel) Init() error  { return nil }
func (blackholeChannel) Deliver(context.Context, channel.Notification) error {
	return errors.New("provider unreachable")
}

func init() {
	if err := channel.Register(blackholeChannel{}); err != nil {
		panic(err)
	}
}

// testConfig runs everything in memory with short intervals. Operators
// route to the blackhole so the dead letter path is reachable on demand.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Partitions = 4
	cfg.Consumer.Members = 2
	cfg.Consumer.PollInterval = config.Duration(10 * time.Millisecond)
	cfg.Consumer.MaxHandlerRetries = 0
	cfg.Consumer.HandlerRetryDelay = config.Duration(5 * time.Millisecond)
	cfg.Retry = config.RetrySection{
		MaxAttempts: 1,
		Base:        config.Duration(time.Millisecond),
		Cap:         config.Duration(2 * time.Millisecond),
		Jitter:      0,
	}
	cfg.Scheduler = config.SchedulerSection{
		BatchSize:  8,
		NumWorkers: 2,
		IdlePoll:   config.Duration(10 * time.Millisecond),
	}
	cfg.Channels = channel.RouterConfig{
		Routes: map[event.Role]string{
			event.RoleCustomer: channel.NameEmail,
			event.RoleCreator:  channel.NameEmail,
			event.RoleApprover: channel.NameEmail,
			event.RoleAdmin:    channel.NameEmail,
			event.RoleOperator: "blackhole",
		},
		Default: channel.NameEmail,
	}
	cfg.Recipients = dispatch.StaticResolverConfig{
		Admins:    []string{"admin-1"},
		Operators: []string{"ops-1"},
		Approvers: map[string][]string{"finance": {"fin-1"}},
		Customers: map[string]string{"ORD-100": "cust-100", "ORD-200": "cust-200"},
		Creators:  map[string]string{"ORD-100": "creator-100", "ORD-200": "creator-200"},
	}
	return cfg
}

func startPipeline(t *testing.T, cfg *config.Config) (*pipeline.Pipeline, *httptest.Server) {
	t.Helper()

	p, err := pipeline.New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		require.NoError(t, p.Close())
	})

	mux := http.NewServeMux()
	p.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return p, srv
}

// dialFeed connects to the firehose and waits until the gateway has
// registered the connection, so later broadcasts are guaranteed to reach
// it.
func dialFeed(t *testing.T, p *pipeline.Pipeline, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/feed?client_id=test"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		total, ok := p.Gateway().GetStats()["total_connections"].(int)
		return ok && total >= 1
	}, 5*time.Second, 10*time.Millisecond)
	return conn
}

func readFeedEvent(t *testing.T, conn *websocket.Conn) gateway.FeedEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev gateway.FeedEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func publishEvent(t *testing.T, p *pipeline.Pipeline, orderID string, typ event.Type, payload json.RawMessage) event.Envelope {
	t.Helper()
	env, err := event.New(orderID, typ, time.Now(), event.Actor{ID: "svc-orders", Role: event.RoleOperator}, nil, payload)
	require.NoError(t, err)
	_, err = p.Publisher().Publish(context.Background(), env)
	require.NoError(t, err)
	return env
}

func TestPipelineDeliversPublishedEvents(t *testing.T) {
	p, srv := startPipeline(t, testConfig())
	conn := dialFeed(t, p, srv)

	publishEvent(t, p, "ORD-100", event.TypeCreated, nil)
	publishEvent(t, p, "ORD-100", event.TypeFulfilled, nil)

	first := readFeedEvent(t, conn)
	assert.Equal(t, gateway.FeedKindDispatch, first.Kind)
	assert.Equal(t, "ORD-100", first.OrderID)

	data, err := gateway.ParseFeedData(&first)
	require.NoError(t, err)
	created, ok := data.(gateway.DispatchData)
	require.True(t, ok)
	assert.Equal(t, event.TypeCreated, created.EventType)
	require.Len(t, created.Delivered, 1)
	assert.Equal(t, "cust-100", created.Delivered[0].Recipient.ID)
	assert.Equal(t, channel.NameEmail, created.Delivered[0].Channel)

	// Same order means same partition, so the fulfillment dispatches
	// strictly after the creation.
	second := readFeedEvent(t, conn)
	data, err = gateway.ParseFeedData(&second)
	require.NoError(t, err)
	fulfilled, ok := data.(gateway.DispatchData)
	require.True(t, ok)
	assert.Equal(t, event.TypeFulfilled, fulfilled.EventType)
}

func TestPipelineDeadLettersExhaustedDeliveries(t *testing.T) {
	p, srv := startPipeline(t, testConfig())
	conn := dialFeed(t, p, srv)

	env := publishEvent(t, p, "ORD-200", event.TypeFailed, json.RawMessage(`{"reason":"payment provider down"}`))

	require.Eventually(t, func() bool {
		stats, err := p.DeadLetters().Stats(context.Background())
		return err == nil && stats.Total == 1
	}, 5*time.Second, 10*time.Millisecond)

	t.Run("feed carries the dispatch and the dead letter", func(t *testing.T) {
		sawDispatch := false
		for {
			ev := readFeedEvent(t, conn)
			if ev.Kind == gateway.FeedKindDispatch {
				data, err := gateway.ParseFeedData(&ev)
				require.NoError(t, err)
				out, ok := data.(gateway.DispatchData)
				require.True(t, ok)
				assert.Equal(t, env.ID, out.EventID)
				require.Len(t, out.Delivered, 1, "admin goes out over email")
				require.Len(t, out.Scheduled, 1, "operator delivery is scheduled for retry")
				sawDispatch = true
				continue
			}

			require.Equal(t, gateway.FeedKindDeadLetter, ev.Kind)
			assert.True(t, sawDispatch, "dispatch outcome broadcasts before its dead letter")
			data, err := gateway.ParseFeedData(&ev)
			require.NoError(t, err)
			letter, ok := data.(gateway.DeadLetterData)
			require.True(t, ok)
			assert.Equal(t, "ops-1", letter.Recipient)
			assert.Equal(t, "blackhole", letter.Channel)
			assert.Equal(t, event.TypeFailed, letter.EventType)
			break
		}
	})

	t.Run("archive is queryable over REST", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/deadletters?unresolved=true")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			DeadLetters []deadletter.DeadLetter `json:"dead_letters"`
			Count       int                     `json:"count"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Equal(t, 1, body.Count)
		letter := body.DeadLetters[0]
		assert.Equal(t, "ops-1", letter.RecipientID)
		assert.Equal(t, "blackhole", letter.Channel)
		assert.Equal(t, env.ID, letter.Envelope.ID)
		assert.Greater(t, letter.Attempts, 0)
	})

	t.Run("health stays green", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestPipelineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Partitions = 0

	_, err := pipeline.New(context.Background(), cfg)
	require.Error(t, err)
	var cfgErr *owerrors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
