// cmd/collab is the CLI demo client built with Cobra: a shared counter
// replicated through a relay.
//
// Usage:
//
//	collab counter add 3 --server http://localhost:8080 --doc demo
//	collab counter watch --server http://localhost:8080 --doc demo
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"collabkit/relay"
	"collabkit/runtime"
	"collabkit/types"
)

var (
	serverAddr string
	docID      string
	interval   time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "collab",
		Short: "Demo client for a collabkit relay",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:8080", "Relay server address")
	root.PersistentFlags().StringVar(&docID, "doc", "demo", "Document name on the relay")
	root.PersistentFlags().DurationVar(&interval, "interval", time.Second,
		"Relay poll interval")

	root.AddCommand(counterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── counter ──────────────────────────────────────────────────────────────────

func counterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Shared counter commands",
	}
	cmd.AddCommand(counterAddCmd(), counterWatchCmd())
	return cmd
}

func counterAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <delta>",
		Short: "Add a delta to the shared counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid delta %q: %w", args[0], err)
			}

			doc, counter := newCounterDoc()
			provider := relay.NewProvider(serverAddr, docID, doc, interval)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			// Catch up before writing so the printed total is meaningful.
			syncOnce(ctx, provider)

			provider.Do(func() { counter.Add(delta) })

			// Run briefly so the outbox drains to the relay.
			runFor(ctx, provider, 2*interval)

			provider.Do(func() {
				fmt.Printf("counter = %d (replica %s)\n", counter.Value(), doc.ReplicaID())
			})
			return nil
		},
	}
}

func counterWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the shared counter until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, counter := newCounterDoc()
			doc.OnChange(func() {
				fmt.Printf("counter = %d\n", counter.Value())
			})

			provider := relay.NewProvider(serverAddr, docID, doc, interval)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				quit := make(chan os.Signal, 1)
				signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
				<-quit
				cancel()
			}()

			if err := provider.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func newCounterDoc() (*runtime.Document, *types.Counter) {
	doc := runtime.New(runtime.Options{})
	counter := types.NewCounter(doc.Root(), "counter")
	return doc, counter
}

// syncOnce pulls the relay log once, ignoring a relay that is empty.
func syncOnce(ctx context.Context, provider *relay.Provider) {
	runFor(ctx, provider, interval+interval/2)
}

// runFor runs the provider loops for the given duration.
func runFor(ctx context.Context, provider *relay.Provider, d time.Duration) {
	runCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	if err := provider.Run(runCtx); err != nil && runCtx.Err() == nil {
		log.Printf("provider: %v", err)
	}
}
