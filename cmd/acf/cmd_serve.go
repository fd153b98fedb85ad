package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"acf/internal/events"
	"acf/internal/idempotency"
	"acf/internal/logging"
	"acf/internal/mutex"
	"acf/internal/store"
	"acf/internal/supersede"
	"acf/internal/turn"
	"acf/internal/types"
	"acf/internal/workflow"
)

var flagWorkers int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Process inbound messages from stdin",
	Long: `Reads one JSON-encoded message per line from stdin and runs it through
the turn pipeline. Messages for the same session are serialized by the
session mutex; different sessions run in parallel across the worker pool.

Message format:
  {"id":"m1","content":"hello","channel":"web","sender":"u1","tenant":"t1","agent":"a1"}`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&flagWorkers, "workers", 4, "concurrent session workers")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}

	router := events.NewRouter()
	router.Subscribe("*", events.LogListener{})

	emit := func(ev types.Event) { router.Emit(ctx, ev) }
	acc := turn.NewAccumulator(cfg.Accumulation)
	coord := supersede.NewCoordinator(acc, emit)
	cache := idempotency.New(cfg.Idempotency)
	mtx := mutex.NewMemory(emit)

	orch := workflow.New(cfg, mtx, acc, coord, cache, st, router, echoBrain{})

	logging.Boot("acf serve: %d workers, store driver %s", flagWorkers, cfg.Store.Driver)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flagWorkers)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg types.RawMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			fmt.Fprintf(os.Stderr, "skipping malformed line: %v\n", err)
			continue
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now().UTC()
		}

		g.Go(func() error {
			result, err := orch.Submit(gctx, msg, msg.Metadata["idempotency_token"])
			switch {
			case errors.Is(err, workflow.ErrBusy):
				// The message stays buffered and joins the next turn.
				logging.Workflow("session busy; %s queued for next turn", msg.ID)
				return nil
			case err != nil:
				fmt.Fprintf(os.Stderr, "turn failed for %s: %v\n", msg.ID, err)
				return nil
			default:
				if result == nil {
					// Another worker's turn absorbed this message and
					// already responded for it.
					logging.Workflow("message %s was answered by another in-flight turn", msg.ID)
					return nil
				}
				fmt.Printf("%s\t%s\n", result.TurnID, result.Response)
				return nil
			}
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return g.Wait()
}

// echoBrain is the built-in placeholder reasoning component: it echoes the
// accumulated content back. Real deployments plug their own Brain in.
type echoBrain struct{}

func (echoBrain) Process(ctx context.Context, tc *types.TurnContext) (*types.TurnResult, error) {
	parts := make([]string, 0, len(tc.Turn.Messages))
	for _, m := range tc.Turn.Messages {
		parts = append(parts, m.Content)
	}
	return &types.TurnResult{Response: strings.Join(parts, " ")}, nil
}
