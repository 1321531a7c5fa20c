package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mercado/storefront-chat/internal/events"
)

var listenConversations []string

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect and print every chat event as a JSON line",
	RunE:  runListen,
}

func init() {
	listenCmd.Flags().StringSliceVarP(&listenConversations, "conversation", "c", nil, "conversation ids to join")
}

func runListen(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.session.Close()

	printer := newEventPrinter(cmd.OutOrStdout(), a.log)
	for _, name := range allEvents {
		a.session.On(name, printer.print)
	}

	failed := make(chan events.ConnectionFailed, 1)
	events.Subscribe(a.session.Bus(), func(ev events.ConnectionFailed) {
		select {
		case failed <- ev:
		default:
		}
	})

	for _, id := range listenConversations {
		if err := a.session.JoinConversation(id); err != nil {
			return err
		}
	}
	if err := a.session.Connect(a.creds); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		g.Go(func() error { return serveMetrics(gctx, addr, a.log) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			a.log.Info("shutting down")
			return nil
		case ev := <-failed:
			return fmt.Errorf("connection failed after %d attempts: %w", ev.Attempts, ev.Err)
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
