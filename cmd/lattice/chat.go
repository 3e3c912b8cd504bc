package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	lattice "github.com/lattice-im/lattice-go"
)

var (
	chatGroup    string
	historyLimit int
)

func init() {
	sendCmd.Flags().StringVarP(&chatGroup, "group", "g", "", "target group (default from config)")
	historyCmd.Flags().StringVarP(&chatGroup, "group", "g", "", "target group (default from config)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 30, "number of messages")
	watchCmd.Flags().StringVarP(&chatGroup, "group", "g", "", "target group (default from config)")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(watchCmd)
}

// resolveGroup picks the target group from the flag or the config default.
func resolveGroup() (string, error) {
	if chatGroup != "" {
		return chatGroup, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Default.DefaultGroup == "" {
		return "", fmt.Errorf("no group given; pass --group or set default.default_group")
	}
	return cfg.Default.DefaultGroup, nil
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a message to a group via REST",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := resolveGroup()
		if err != nil {
			return err
		}
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		msg, err := client.Messages.Create(ctx, groupID, &lattice.CreateMessageRequest{
			Content: args[0],
			Kind:    lattice.KindText,
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent %s to %s\n", msg.ID, groupID)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent messages for a group",
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := resolveGroup()
		if err != nil {
			return err
		}
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		msgs, err := client.Messages.History(ctx, groupID, lattice.HistoryParams{Limit: historyLimit})
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(&m)
		}
		return nil
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List your groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		groups, err := client.Groups.List(ctx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			fmt.Printf("%-24s %s (%d members)\n", g.ID, g.Name, g.MemberCount)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail a group live until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := resolveGroup()
		if err != nil {
			return err
		}
		client, cred := getClient()

		conn := lattice.NewConn(baseURL(), &lattice.ConnConfig{
			Token:         cred.Token,
			AutoReconnect: true,
		})
		conn.On(lattice.EventMessageNew, func(_ string, raw json.RawMessage) {
			var m lattice.Message
			if json.Unmarshal(raw, &m) == nil {
				printMessage(&m)
			}
		})
		conn.OnDisconnect(func(reason string) {
			fmt.Fprintf(os.Stderr, "-- disconnected: %s\n", reason)
		})
		conn.OnReconnect(func(attempt int) {
			fmt.Fprintln(os.Stderr, "-- reconnected")
		})

		sess := lattice.NewSession(client, conn, cred.Profile)
		if err := sess.Start(cmd.Context()); err != nil {
			return err
		}
		defer sess.Close()

		if err := sess.SwitchGroup(cmd.Context(), groupID); err != nil {
			return err
		}
		for _, m := range sess.Messages() {
			printMessage(&m)
		}
		fmt.Fprintf(os.Stderr, "-- watching %s (ctrl-c to quit)\n", groupID)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func printMessage(m *lattice.Message) {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	body := m.Content
	if m.Deleted {
		body = "(deleted)"
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), sender, body)
}
