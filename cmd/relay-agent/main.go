// ABOUTME: Minimal echo agent for exercising a swarm-relay — connects, heartbeats, answers requests.
// ABOUTME: Usage: relay-agent [-url ws://localhost:8420/ws] [-id echo-agent] [-config agent.toml]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/2389/swarm-relay/internal/client"
	"github.com/2389/swarm-relay/internal/protocol"
)

func main() {
	configPath := flag.String("config", "", "TOML config file (flags override)")
	url := flag.String("url", "ws://localhost:8420/ws", "relay websocket URL")
	agentID := flag.String("id", "echo-agent", "agent id")
	caps := flag.String("capabilities", "chat,echo", "comma-separated capability list")
	flag.Parse()

	if err := run(*configPath, *url, *agentID, *caps); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, url, agentID, caps string) error {
	capabilities := strings.Split(caps, ",")

	if configPath != "" {
		cfg, err := Load(configPath)
		if err != nil {
			return err
		}
		url = cfg.Relay.URL
		agentID = cfg.Agent.ID
		if len(cfg.Agent.Capabilities) > 0 {
			capabilities = cfg.Agent.Capabilities
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	c, err := client.New(client.Config{
		ServerURL:    url,
		AgentID:      agentID,
		Capabilities: capabilities,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	c.OnRequest(func(ctx context.Context, msg *protocol.Message) (json.RawMessage, error) {
		logger.Info("request received", "from", msg.From)
		return echoReply(msg.Payload), nil
	})

	c.OnMessage(protocol.TypeMessage, func(msg *protocol.Message) {
		logger.Info("message received", "from", msg.From, "payload", string(msg.Payload))
	})

	c.OnMessage(protocol.TypeBroadcast, func(msg *protocol.Message) {
		logger.Info("broadcast received", "from", msg.From)
	})

	c.OnStateChange(func(s client.State) {
		logger.Info("state changed", "state", s)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	logger.Info("connected", "url", url, "agent_id", agentID)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// echoReply wraps the inbound payload in an echo envelope.
func echoReply(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	}
	reply, _ := json.Marshal(map[string]json.RawMessage{"echo": payload})
	return reply
}
