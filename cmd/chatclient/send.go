package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mercado/storefront-chat/internal/chat"
	"github.com/mercado/storefront-chat/internal/connection"
	"github.com/mercado/storefront-chat/internal/events"
)

var (
	sendConversation string
	sendText         string
	sendType         string
	sendFileURL      string
	sendTimeout      time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message and wait for the server to echo it",
	RunE:  runSend,
}

func init() {
	f := sendCmd.Flags()
	f.StringVarP(&sendConversation, "conversation", "c", "", "conversation id")
	f.StringVarP(&sendText, "text", "t", "", "message text")
	f.StringVar(&sendType, "type", chat.TypeText, "message type: texto, imagen or archivo")
	f.StringVar(&sendFileURL, "file-url", "", "attachment URL for imagen and archivo messages")
	f.DurationVar(&sendTimeout, "timeout", 15*time.Second, "give up after this long")
	_ = sendCmd.MarkFlagRequired("conversation")
}

func runSend(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.session.Close()

	echoed := make(chan struct{})
	failed := make(chan error, 1)
	var clientMsgID string

	// clientMsgID is set before Connect; no frame reaches this handler earlier.
	events.Subscribe(a.session.Bus(), func(ev events.NewMessage) {
		if clientMsgID != "" && ev.ClientMsgID == clientMsgID {
			select {
			case <-echoed:
			default:
				close(echoed)
			}
		}
	})
	events.Subscribe(a.session.Bus(), func(ev events.ConnectionFailed) {
		select {
		case failed <- ev.Err:
		default:
		}
	})

	clientMsgID, err = a.session.SendMessage(sendConversation, sendText, sendType, sendFileURL)
	if err != nil {
		return err
	}
	if err := a.session.Connect(a.creds); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	select {
	case <-echoed:
		fmt.Fprintln(cmd.OutOrStdout(), clientMsgID)
		return nil
	case err := <-failed:
		return fmt.Errorf("message not sent: %w", err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && len(a.session.Pending()) == 0 && a.session.State() == connection.Connected {
			a.log.Warn("message written but not confirmed", "client_msg_id", clientMsgID)
			fmt.Fprintln(cmd.OutOrStdout(), clientMsgID)
			return nil
		}
		return fmt.Errorf("message not sent: %w", ctx.Err())
	}
}
