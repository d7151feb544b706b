package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sessionforge/sessioncore/internal/guardrails"
	"github.com/sessionforge/sessioncore/internal/hooks"
	"github.com/sessionforge/sessioncore/internal/orchestrator"
	"github.com/sessionforge/sessioncore/internal/rpc"
	"github.com/sessionforge/sessioncore/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session core against a newline-delimited JSON stream on stdio",
	RunE:  runServe,
}

// wireMessage wraps either a response or an event so a line-oriented reader
// can tell them apart without a transport-level framing layer.
type wireMessage struct {
	Kind     string        `json:"kind"`
	Response *rpc.Response `json:"response,omitempty"`
	Event    *rpc.Event    `json:"event,omitempty"`
}

// stdioSender writes one framed event per line to stdout. Both it and the
// request/response loop below share the same os.Stdout, so both encode
// through the same mutex-guarded json.Encoder.
type stdioSender struct {
	enc *json.Encoder
	mu  *sync.Mutex
}

func (s stdioSender) Send(ev rpc.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(wireMessage{Kind: "event", Event: &ev})
}

func runServe(cmd *cobra.Command, _ []string) error {
	log, logCtx, err := buildLogger(logFormatFlag, logLevelFlag)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(logCtx)
	defer cancel()

	store, err := openStore(ctx, dbPathFlag, log)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	hub := rpc.NewHub()

	orch := orchestrator.New(orchestrator.Config{
		Store:       store,
		Generator:   echoGenerator{},
		Registry:    tools.NewMapRegistry(),
		HookEngine:  hooks.NewEngine(log, nil),
		GuardEngine: guardrails.NewEngine(),
		Broadcaster: hub,
		Log:         log,
	})

	reg := rpc.NewRegistry()
	if err := rpc.RegisterOrchestratorMethods(reg, orch); err != nil {
		return fmt.Errorf("register rpc methods: %w", err)
	}
	dispatcher := rpc.NewDispatcher(rpc.DispatcherConfig{
		Registry: reg,
		Log:      log,
	})

	var writeMu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	sender := stdioSender{enc: enc, mu: &writeMu}
	conn := rpc.NewConnection("stdio", sender, rpc.DefaultEventQueueSize, log)
	hub.Register(conn)
	defer hub.Unregister(conn.ID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info(ctx, "sessioncored: shutdown signal received")
		cancel()
	}()

	log.Info(ctx, "sessioncored: ready", "db", dbPathFlag)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
readLoop:
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			break readLoop
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Warn(ctx, "sessioncored: malformed request line", "error", err.Error())
			continue
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		resp := dispatcher.Handle(ctx, conn.ID(), req)

		writeMu.Lock()
		err := enc.Encode(wireMessage{Kind: "response", Response: &resp})
		writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	return orch.Shutdown(context.Background(), 10*time.Second)
}
