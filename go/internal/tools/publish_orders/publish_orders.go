package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mcdev12/orderwire/go/internal/event"
	"github.com/mcdev12/orderwire/go/internal/eventlog"
	"github.com/mcdev12/orderwire/go/internal/publish"
)

type step struct {
	eventType event.Type
	payload   string
}

// Demo lifecycles cycled across orders. The closing steps vary so every
// dispatch policy row gets exercised.
var lifecycles = [][]step{
	{
		{event.TypeCreated, ""},
		{event.TypeApprovalRequested, `{"approval_level":"finance"}`},
		{event.TypeApprovalCompleted, `{"approval_level":"finance"}`},
		{event.TypeFulfilled, ""},
	},
	{
		{event.TypeCreated, ""},
		{event.TypeApprovalRequested, `{"approval_level":"finance"}`},
		{event.TypeApprovalRejected, `{"approval_level":"finance"}`},
		{event.TypeCancelled, ""},
	},
	{
		{event.TypeCreated, ""},
		{event.TypeFailed, `{"reason":"payment provider timeout"}`},
	},
}

func main() {
	// 1) Configuration from the environment, matching the pipeline daemon
	natsURL := getEnv("NATS_URL", "nats://localhost:4222")
	partitions := getEnvAsInt("ORDERWIRE_PARTITIONS", 4)
	orders := getEnvAsInt("ORDERS", 6)
	delay := 200 * time.Millisecond
	if raw := os.Getenv("PUBLISH_DELAY"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			delay = d
		}
	}

	// 2) Connect to the same stream the pipeline consumes
	cfg := eventlog.DefaultJetStreamConfig()
	cfg.URL = natsURL
	cfg.Partitions = partitions
	if stream := os.Getenv("NATS_STREAM"); stream != "" {
		cfg.StreamName = stream
	}

	l, err := eventlog.NewJetStreamLog(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect event log: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()

	publisher := publish.NewPublisher(l, nil)
	actor := event.Actor{ID: "svc-demo", Role: event.RoleOperator}

	// 3) Publish and count
	var published, errs int
	for i := 0; i < orders; i++ {
		orderID := fmt.Sprintf("ORD-%04d", i+1)
		for _, s := range lifecycles[i%len(lifecycles)] {
			var payload json.RawMessage
			if s.payload != "" {
				payload = json.RawMessage(s.payload)
			}
			env, err := event.New(orderID, s.eventType, time.Now(), actor, nil, payload)
			if err != nil {
				fmt.Fprintf(os.Stderr, "build %s for %s: %v\n", s.eventType, orderID, err)
				errs++
				continue
			}
			res, err := publisher.Publish(context.Background(), env)
			if err != nil {
				fmt.Fprintf(os.Stderr, "publish %s for %s: %v\n", s.eventType, orderID, err)
				errs++
				continue
			}
			fmt.Printf("%s %-20s partition=%d sequence=%d\n", orderID, s.eventType, res.Partition, res.Sequence)
			published++
			time.Sleep(delay)
		}
	}

	// 4) Print summary
	fmt.Printf("Demo publish complete: %d events published, %d errors\n", published, errs)
	if errs > 0 {
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
