package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/convsync"
)

var (
	// send
	sendType string
	sendJSON bool

	// react
	reactRemove bool

	// push register
	pushPlatform string
)

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		store, err := openStore(ctx, convsync.StoreConfig{})
		if err != nil {
			return err
		}
		defer store.Close()

		msg, err := store.SendMessage(ctx, args[0], args[1], convsync.SendOptions{Type: sendType})
		if err != nil {
			return err
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent %s (%s)\n", msg.ID, msg.Status)
		return nil
	},
}

// ============================================================================
// react
// ============================================================================

var reactCmd = &cobra.Command{
	Use:   "react <message-id> <reaction-type>",
	Short: "Add or remove a reaction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		messageID, reactionType := args[0], args[1]
		if reactRemove {
			if err := client.RemoveReaction(ctx, messageID, reactionType); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Printf("Removed %s from %s\n", reactionType, messageID)
			return nil
		}
		r, err := client.AddReaction(ctx, messageID, reactionType)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Added %s to %s (%s)\n", r.ReactionType, messageID, valueOrDefault(r.ID, "no id"))
		return nil
	},
}

// ============================================================================
// push register
// ============================================================================

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push notification commands",
}

var pushRegisterCmd = &cobra.Command{
	Use:   "register <device-token>",
	Short: "Register a device for push notifications",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		err = client.RegisterPushToken(ctx, convsync.PushRegistration{Token: args[0], Platform: pushPlatform})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Registered %s device %s\n", pushPlatform, maskKey(args[0]))
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendType, "type", "", "Message type")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the confirmed message as JSON")

	reactCmd.Flags().BoolVar(&reactRemove, "remove", false, "Remove the reaction instead")

	pushRegisterCmd.Flags().StringVar(&pushPlatform, "platform", "ios", "Device platform: ios, android, web")
	pushCmd.AddCommand(pushRegisterCmd)

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(pushCmd)
}
