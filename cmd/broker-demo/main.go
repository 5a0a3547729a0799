// Command broker-demo wires two agents to a swarmbus.Broker and runs a
// small request/response and pub/sub exchange between them, logging what
// the broker's statistics look like afterward. It exists to show the
// library's public API end to end, not as a production deployment.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tenzoki/swarmbus"
	"github.com/tenzoki/swarmbus/agent"
	"github.com/tenzoki/swarmbus/config"
	"github.com/tenzoki/swarmbus/message"
)

func main() {
	configPath := flag.String("config", "", "path to a broker config YAML file (optional)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("broker-demo: %v", err)
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := swarmbus.NewBroker(cfg, nil)
	if err := broker.Start(ctx); err != nil {
		log.Fatalf("broker-demo: start broker: %v", err)
	}
	defer broker.Stop()

	researcher, err := agent.New(message.AgentIdentity{
		ID:           "researcher-1",
		AgentType:    "researcher",
		Capabilities: []string{"web-search", "summarize"},
	}, broker)
	if err != nil {
		log.Fatalf("broker-demo: register researcher: %v", err)
	}
	defer researcher.Cleanup()

	writer, err := agent.New(message.AgentIdentity{
		ID:           "writer-1",
		AgentType:    "writer",
		Capabilities: []string{"draft"},
	}, broker)
	if err != nil {
		log.Fatalf("broker-demo: register writer: %v", err)
	}
	defer writer.Cleanup()

	writer.On(message.TypeRequest, func(ctx context.Context, msg *message.Message) (map[string]interface{}, error) {
		topic, _ := msg.Payload["topic"].(string)
		log.Printf("writer-1: drafting a summary for %q", topic)
		return map[string]interface{}{"draft": "summary of " + topic}, nil
	})

	if err := writer.Subscribe("research_findings"); err != nil {
		log.Fatalf("broker-demo: subscribe: %v", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := researcher.SendRequest(reqCtx, "writer-1", map[string]interface{}{"topic": "agent messaging"}, 2*time.Second, message.PriorityNormal)
	if err != nil {
		log.Fatalf("broker-demo: request failed: %v", err)
	}
	log.Printf("researcher-1: got draft %v", resp)

	researcher.PublishEvent(ctx, "research_findings", map[string]interface{}{"finding": "priority queues compose well with worker pools"}, message.PriorityNormal)

	time.Sleep(100 * time.Millisecond)

	snap := broker.Stats()
	log.Printf("broker-demo: sent=%d delivered=%d failed=%d dead_lettered=%d",
		snap.MessagesSent, snap.MessagesDelivered, snap.MessagesFailed, len(broker.DeadLetters()))
}
