package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/marketchat/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// history
	historySince string
	historyJSON  bool

	// recent
	recentJSON bool

	// send
	sendTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(sendCmd)

	historyCmd.Flags().StringVar(&historySince, "since", "", "Only messages after this RFC3339 timestamp")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	recentCmd.Flags().BoolVar(&recentJSON, "json", false, "Output JSON")

	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "How long to wait for the server acknowledgment")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <counterpart>",
	Short: "Print the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var msgs []*chatsync.Message
		if historySince != "" {
			since, err := time.Parse(time.RFC3339Nano, historySince)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			msgs, err = client.FetchSince(ctx, args[0], since)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		} else {
			msgs, err = client.FetchHistory(ctx, args[0])
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
		}

		// Render through a conversation log so the output is deduplicated
		// and ordered even if the server is not.
		log := chatsync.NewConversationLog()
		for _, m := range msgs {
			log.Insert(m)
		}
		ordered := log.Messages()

		if historyJSON {
			return printJSON(ordered)
		}
		if len(ordered) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range ordered {
			fmt.Println(formatMessage(cfg.Default.UserID, m))
		}
		return nil
	},
}

// ============================================================================
// recent
// ============================================================================

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List conversations with their last message",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.FetchRecent(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if recentJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("%-30s %s\n", m.Counterpart(cfg.Default.UserID), formatMessage(cfg.Default.UserID, m))
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <counterpart> <text>...",
	Short: "Send a message and wait for the acknowledgment",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		counterpart, text := args[0], strings.Join(args[1:], " ")

		s, err := newSession(cfg, nil, nil, true)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := s.conn.Start(ctx); err != nil {
			s.close()
			return fmt.Errorf("failed to connect: %w", err)
		}
		if err := s.engine.Start(ctx); err != nil {
			s.close()
			return err
		}

		msg, err := s.engine.SendTo(ctx, counterpart, text)
		if err != nil {
			s.close()
			return fmt.Errorf("send failed: %w", err)
		}

		s.engine.Wait()
		pending := s.engine.PendingSends()
		s.close()
		for _, p := range pending {
			if p.TempID == msg.ID {
				return fmt.Errorf("send failed: %s", p.Error)
			}
		}

		fmt.Printf("Sent to %s\n", counterpart)
		return nil
	},
}
