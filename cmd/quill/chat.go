package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yukin371/quill/internal/adapters/cli"
	"github.com/yukin371/quill/internal/chat"
	"github.com/yukin371/quill/internal/core"
	"github.com/yukin371/quill/internal/eventbus"
	"github.com/yukin371/quill/internal/push"
	"github.com/yukin371/quill/pkg/logger"
)

const turnTimeout = 5 * time.Minute

var (
	chatID         string
	chatProvider   string
	chatModel      string
	chatContext    bool
	chatPlain      bool
	chatWidth      int
	chatNoApproval bool
)

// chatCmd starts an interactive chat session
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with your notes",
	Long: `Start a chat session over the local note store. If a message is given it is
answered and the command exits; otherwise messages are read from stdin until
"exit". Plans that edit notes are shown for approval first.`,
	Args: cobra.ArbitraryArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatID, "chat-id", "", "chat note id to continue (default: a new chat)")
	chatCmd.Flags().StringVarP(&chatProvider, "provider", "p", "", "provider to try first")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "model, optionally as provider:model")
	chatCmd.Flags().BoolVar(&chatContext, "context", false, "search the notes for the message and pass the hits to the model")
	chatCmd.Flags().BoolVar(&chatPlain, "plain", false, "render without colours")
	chatCmd.Flags().IntVar(&chatWidth, "width", 80, "wrap width")
	chatCmd.Flags().BoolVar(&chatNoApproval, "yes", false, "approve every plan without asking")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(logger.WARN)
	if err != nil {
		return err
	}
	if chatNoApproval {
		cfg.Approval.Mode = "never"
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	renderer, err := cli.NewRenderer(chatWidth, chatPlain)
	if err != nil {
		return err
	}
	ui := cli.NewAdapter(os.Stdin, cmd.OutOrStdout(), renderer, a.gate, log)
	planSub := a.bus.Subscribe(eventbus.EventPlanCreated, ui.HandlePlan)
	defer a.bus.Unsubscribe(planSub)

	if chatID == "" {
		chatID = uuid.NewString()
	}
	sub := a.hub.Subscribe(push.DefaultBuffer, push.ForChat(chatID))
	defer sub.Close()
	go ui.Follow(sub)

	send := func(message string) {
		tctx, cancel := context.WithTimeout(ctx, turnTimeout)
		defer cancel()
		err := a.chat.StreamMessage(tctx, chat.Request{
			ChatID:         chatID,
			Content:        message,
			IncludeContext: chatContext,
			Options:        core.ChatCompletionOptions{Provider: chatProvider, Model: chatModel},
		})
		if !ui.WaitTurn(5 * time.Second) {
			log.Debug("turn output incomplete")
		}
		if err != nil {
			log.Warn("turn failed: %v", err)
		}
	}

	if len(args) > 0 {
		send(strings.Join(args, " "))
		return nil
	}

	ui.Printf("chat %s (type 'exit' to quit)\n\n", chatID)
	for {
		input, err := ui.ReadLine("> ")
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "quit" || input == "exit" {
			break
		}
		if input == "" {
			continue
		}
		send(input)
		ui.Printf("\n")
	}
	return nil
}
