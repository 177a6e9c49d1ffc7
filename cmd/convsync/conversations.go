package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/convsync"
)

var (
	// conversations list
	conversationsUnread bool
	conversationsJSON   bool

	// conversations messages
	messagesLimit  int
	messagesBefore string
	messagesJSON   bool

	// conversations read
	readConcurrency int

	// conversations mute
	muteOff bool
)

// openStore hydrates a store for one-shot commands that need the
// optimistic command surface but no realtime connection.
func openStore(ctx context.Context, config convsync.StoreConfig) (*convsync.Store, error) {
	client, cfg, err := getClient()
	if err != nil {
		return nil, err
	}
	config.SelfID = cfg.Auth.UserID
	store := convsync.NewStore(config, client, convsync.WithLogger(log.Logger))
	if err := store.Hydrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// ============================================================================
// conversations (parent command)
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "List and manage conversations",
}

// ============================================================================
// conversations list
// ============================================================================

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		store, err := openStore(ctx, convsync.StoreConfig{})
		if err != nil {
			return err
		}
		defer store.Close()

		var convs []convsync.ConversationState
		for _, c := range store.Conversations() {
			if conversationsUnread && c.UnreadCount == 0 {
				continue
			}
			convs = append(convs, c)
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("  %s: %s%s\n", c.ID, conversationTitle(c), conversationFlags(c))
		}
		return nil
	},
}

func conversationTitle(c convsync.ConversationState) string {
	if c.Title != "" {
		return c.Title
	}
	if len(c.Participants) > 0 {
		return fmt.Sprintf("%v", c.Participants)
	}
	return "(untitled)"
}

func conversationFlags(c convsync.ConversationState) string {
	s := ""
	if c.UnreadCount > 0 {
		s += fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	if c.Archived {
		s += " [archived]"
	}
	if c.Muted {
		s += " [muted]"
	}
	return s
}

// ============================================================================
// conversations messages
// ============================================================================

var conversationsMessagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a page of conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		msgs, err := client.ListMessages(ctx, args[0], &convsync.ListOptions{Limit: messagesLimit, Before: messagesBefore})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m convsync.MessageState) {
	fmt.Printf("[%s] %s: %s (%s)\n", m.CreatedAt.Local().Format(time.Kitchen), m.SenderID, m.Content, m.Status)
}

// ============================================================================
// conversations read
// ============================================================================

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark every message in a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
		defer cancel()

		store, err := openStore(ctx, convsync.StoreConfig{MarkReadConcurrency: readConcurrency})
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.LoadMessages(ctx, id); err != nil {
			return err
		}
		res, err := store.MarkAllRead(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Marked %d of %d messages read", res.Succeeded, res.Requested)
		if res.Failed > 0 {
			fmt.Printf(" (%d failed)", res.Failed)
		}
		fmt.Println()
		return nil
	},
}

// ============================================================================
// conversations archive / unarchive / mute
// ============================================================================

func conversationFlagCmd(use, short, done string, apply func(ctx context.Context, s *convsync.Store, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			store, err := openStore(ctx, convsync.StoreConfig{})
			if err != nil {
				return err
			}
			defer store.Close()

			if err := apply(ctx, store, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", done, args[0])
			return nil
		},
	}
}

var (
	conversationsArchiveCmd = conversationFlagCmd("archive", "Archive a conversation", "Archived",
		func(ctx context.Context, s *convsync.Store, id string) error { return s.Archive(ctx, id) })
	conversationsUnarchiveCmd = conversationFlagCmd("unarchive", "Unarchive a conversation", "Unarchived",
		func(ctx context.Context, s *convsync.Store, id string) error { return s.Unarchive(ctx, id) })
	conversationsMuteCmd = conversationFlagCmd("mute", "Mute a conversation (--off to unmute)", "Updated",
		func(ctx context.Context, s *convsync.Store, id string) error { return s.SetMuted(ctx, id, !muteOff) })
)

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	conversationsMessagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "Maximum number of messages to return")
	conversationsMessagesCmd.Flags().StringVar(&messagesBefore, "before", "", "Return messages before this message id")
	conversationsMessagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	conversationsReadCmd.Flags().IntVar(&readConcurrency, "concurrency", 8, "Maximum status updates in flight")

	conversationsMuteCmd.Flags().BoolVar(&muteOff, "off", false, "Unmute instead")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsMessagesCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)
	conversationsCmd.AddCommand(conversationsArchiveCmd)
	conversationsCmd.AddCommand(conversationsUnarchiveCmd)
	conversationsCmd.AddCommand(conversationsMuteCmd)
	rootCmd.AddCommand(conversationsCmd)
}
