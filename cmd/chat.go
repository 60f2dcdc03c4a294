package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/overseer/internal/models"
	"github.com/joescharf/overseer/internal/output"
)

var chatLimit int

var chatCmd = &cobra.Command{
	Use:   "chat <project> [message...]",
	Short: "Message the orchestrator, or read the conversation",
	Long: `With a message, queue it for the orchestrator; it is shown to the
oracle on the next tick. Without one, print the recent conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatRun(args[0], strings.Join(args[1:], " "))
	},
}

func init() {
	chatCmd.Flags().IntVar(&chatLimit, "limit", 20, "Number of messages to show")
	rootCmd.AddCommand(chatCmd)
}

func chatRun(ref, message string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	p, err := resolveProject(ctx, s, ref)
	if err != nil {
		return err
	}

	if strings.TrimSpace(message) != "" {
		if dryRun {
			ui.DryRunMsg("Would send to %s: %s", p.Name, message)
			return nil
		}
		msg := &models.ChatMessage{ProjectID: p.ID, Role: models.ChatRoleUser, Content: message}
		if err := s.AppendChatMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		ui.Success("Queued for the next tick of %s", output.Cyan(p.Name))
		return nil
	}

	msgs, err := s.ListChatMessages(ctx, p.ID, chatLimit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		ui.Info("No messages yet.")
		return nil
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		who := output.Cyan("you")
		if m.Role == models.ChatRoleOrchestrator {
			who = output.Green("overseer")
		}
		unread := ""
		if m.Role == models.ChatRoleUser && !m.Read {
			unread = output.Yellow(" (pending)")
		}
		fmt.Fprintf(ui.Out, "%s %s%s: %s\n", m.CreatedAt.Local().Format("15:04"), who, unread, m.Content)
	}
	return nil
}
