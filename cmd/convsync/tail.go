package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/convsync"
)

var (
	tailMetricsAddr string
	tailStatus      string
	tailJSON        bool
)

var tailCmd = &cobra.Command{
	Use:   "tail [conversation-id...]",
	Short: "Follow live events",
	Long: "Connect to the realtime endpoint and print events as they arrive.\n" +
		"Listed conversations are joined and their history is loaded first. Stop with Ctrl-C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics := convsync.NewMetrics(reg)
		if tailMetricsAddr != "" {
			srv := &http.Server{
				Addr:              tailMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("metrics server stopped")
				}
			}()
			defer srv.Close()
			log.Info().Str("addr", tailMetricsAddr).Msg("serving metrics")
		}

		engine, err := newEngine(cfg, client, convsync.WithMetrics(metrics))
		if err != nil {
			return err
		}
		defer engine.Close()

		printer := eventPrinter{json: tailJSON}
		printer.attach(engine.Dispatcher())

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := engine.Connect(connectCtx); err != nil {
			return err
		}
		if err := engine.Hydrate(connectCtx); err != nil {
			log.Warn().Err(err).Msg("could not load conversations")
		}
		for _, id := range args {
			if err := engine.JoinConversation(connectCtx, id); err != nil {
				return fmt.Errorf("join %s: %w", id, err)
			}
		}
		if tailStatus != "" {
			if err := engine.Realtime().UpdateStatus(connectCtx, tailStatus); err != nil {
				log.Warn().Err(err).Msg("could not update status")
			}
		}
		log.Info().Int("conversations", len(engine.Store().Conversations())).
			Int("unread", engine.Store().TotalUnread()).
			Msg("following events")

		<-ctx.Done()
		fmt.Fprintln(os.Stderr)
		return nil
	},
}

type eventPrinter struct {
	json bool
}

func (p eventPrinter) attach(d *convsync.Dispatcher) {
	convsync.On(d, func(ev convsync.ConnectedEvent) {
		log.Info().Str("user_id", ev.UserID).Bool("reconnected", ev.Reconnected).Msg("connected")
	})
	convsync.On(d, func(ev convsync.DisconnectedEvent) {
		log.Warn().Bool("clean", ev.Clean).Str("reason", ev.Reason).Msg("disconnected")
	})
	convsync.On(d, func(ev convsync.ReconnectingEvent) {
		log.Warn().Int("attempt", ev.Attempt).Dur("delay", ev.Delay).Msg("reconnecting")
	})
	convsync.On(d, func(ev convsync.ErrorEvent) {
		log.Error().Err(ev.Err).Msg("connection error")
	})

	for _, t := range []convsync.EventType{
		convsync.EventNewMessage,
		convsync.EventMessageUpdated,
		convsync.EventMessageDeleted,
		convsync.EventTypingIndicator,
		convsync.EventUserStatusChanged,
		convsync.EventConversationCreated,
		convsync.EventConversationUpdated,
		convsync.EventReactionAdded,
		convsync.EventReactionRemoved,
	} {
		d.Subscribe(t, p.print)
	}
}

func (p eventPrinter) print(ev convsync.Event) {
	if p.json {
		_ = printJSON(map[string]any{"event_type": ev.EventType(), "data": ev})
		return
	}
	switch e := ev.(type) {
	case convsync.NewMessageEvent:
		printMessage(e.Message)
	case convsync.MessageUpdatedEvent:
		fmt.Printf("~ %s is now %s\n", e.Message.ID, e.Message.Status)
	case convsync.MessageDeletedEvent:
		fmt.Printf("- %s deleted from %s\n", e.MessageID, e.ConversationID)
	case convsync.TypingIndicatorEvent:
		if e.IsTyping {
			fmt.Printf("… %s is typing in %s\n", valueOrDefault(e.UserName, e.UserID), e.ConversationID)
		}
	case convsync.UserStatusChangedEvent:
		fmt.Printf("* %s is %s\n", e.UserID, e.Status)
	case convsync.ConversationCreatedEvent:
		fmt.Printf("+ conversation %s\n", e.Conversation.ID)
	case convsync.ConversationUpdatedEvent:
		fmt.Printf("~ conversation %s%s\n", e.Conversation.ID, conversationFlags(e.Conversation))
	case convsync.ReactionAddedEvent:
		fmt.Printf("+ %s reacted %s on %s\n", e.Reaction.UserID, e.Reaction.ReactionType, e.MessageID)
	case convsync.ReactionRemovedEvent:
		fmt.Printf("- reaction %s removed from %s\n", e.ReactionID, e.MessageID)
	}
}

func init() {
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	tailCmd.Flags().StringVar(&tailStatus, "status", "online", "Presence status to announce after connecting (empty to skip)")
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print events as JSON")
	rootCmd.AddCommand(tailCmd)
}
