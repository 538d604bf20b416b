package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rentglass/chatsync/internal/app"
	"github.com/rentglass/chatsync/internal/auth"
	"github.com/rentglass/chatsync/internal/chat"
	"github.com/rentglass/chatsync/internal/config"
	"github.com/rentglass/chatsync/internal/log"
	"github.com/rentglass/chatsync/internal/syncengine"
	"github.com/rentglass/chatsync/internal/transport/api"
)

func newChatCmd() *cobra.Command {
	var (
		token  string
		userID string
		name   string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive terminal chat client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, token, userID, name)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "session token (skips login)")
	cmd.Flags().StringVar(&userID, "user", "", "user id for dev login")
	cmd.Flags().StringVar(&name, "name", "", "display name for dev login")
	return cmd
}

func runChat(cmd *cobra.Command, token, userID, name string) error {
	ctx := cmd.Context()

	configPath, _ := cmd.Flags().GetString("config")
	levelOverride, _ := cmd.Flags().GetString("log-level")

	bootstrapLogger := log.New("info")
	cfg, _, err := config.Load(bootstrapLogger, configPath)
	if err != nil {
		return err
	}
	if levelOverride != "" {
		cfg.LogLevel = levelOverride
	}
	logger := log.New(cfg.LogLevel)

	apiClient := api.New(cfg.APIBaseURL, cfg.RequestTimeout, logger)

	if token == "" {
		if userID == "" {
			return fmt.Errorf("either --token or --user is required")
		}
		if name == "" {
			name = userID
		}
		token, err = apiClient.Login(ctx, userID, name)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}
	apiClient.SetToken(token)

	identity, err := auth.IdentityFromToken(token)
	if err != nil {
		return err
	}

	session, err := app.New(cfg, identity, apiClient, logger)
	if err != nil {
		return err
	}
	defer session.Close()
	engine := session.Engine

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := session.Start(runCtx); err != nil {
		return err
	}

	fmt.Printf("Connected as %s. Commands: /list, /to <user> [message], /open <id>, /read, /typing, /retry, /quit\n", identity.UserID)

	go printUpdates(runCtx, engine)

	readInput(runCtx, cancel, engine)
	return nil
}

func printUpdates(ctx context.Context, engine *syncengine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-engine.Updates():
			switch update.Kind {
			case chat.UpdateMessages:
				if update.ConversationID != engine.Active() {
					continue
				}
				msgs := engine.Messages(update.ConversationID)
				if len(msgs) == 0 {
					continue
				}
				last := msgs[len(msgs)-1]
				fmt.Printf("[%s] %s: %s%s\n", shortID(update.ConversationID), last.SenderID, last.Body, stateSuffix(last))
			case chat.UpdateTyping:
				if update.ConversationID == engine.Active() && update.TypingLabel != "" {
					fmt.Println(update.TypingLabel)
				}
			case chat.UpdateConnState:
				fmt.Printf("-- %s\n", update.ConnState)
			case chat.UpdateWarning:
				fmt.Printf("!! %s\n", update.Warning)
			}
		}
	}
}

func stateSuffix(m chat.Message) string {
	switch m.State {
	case chat.MessagePending:
		return " (sending…)"
	case chat.MessageFailed:
		return " (FAILED, /retry to resend)"
	default:
		if m.ReadAt != nil {
			return " ✓✓"
		}
		return ""
	}
}

func readInput(ctx context.Context, cancel context.CancelFunc, engine *syncengine.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			cancel()
			return

		case line == "/list":
			convs, err := engine.Conversations(ctx)
			if err != nil {
				fmt.Printf("!! %v\n", err)
				continue
			}
			for _, conv := range convs {
				marker := " "
				if conv.ID == engine.Active() {
					marker = "*"
				}
				fmt.Printf("%s %s  unread=%d  %s\n", marker, shortID(conv.ID), conv.Unread, conv.LastMessagePreview)
			}

		case strings.HasPrefix(line, "/to "):
			rest := strings.TrimSpace(strings.TrimPrefix(line, "/to "))
			parts := strings.SplitN(rest, " ", 2)
			preset := ""
			if len(parts) == 2 {
				preset = parts[1]
			}
			id, err := engine.EnsureConversation(ctx, parts[0], "", preset)
			if err != nil {
				fmt.Printf("!! %v\n", err)
				continue
			}
			engine.SetActive(ctx, id)
			fmt.Printf("-- conversation %s\n", shortID(id))

		case strings.HasPrefix(line, "/open "):
			engine.SetActive(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/open ")))

		case line == "/read":
			if active := engine.Active(); active != "" {
				engine.MarkConversationRead(ctx, active)
			}

		case line == "/typing":
			if active := engine.Active(); active != "" {
				if err := engine.EmitTyping(ctx, active); err != nil {
					fmt.Printf("!! %v\n", err)
				}
			}

		case line == "/retry":
			active := engine.Active()
			for _, m := range engine.Messages(active) {
				if m.State == chat.MessageFailed {
					engine.RetrySend(ctx, active, m.ClientID)
				}
			}

		default:
			active := engine.Active()
			if active == "" {
				fmt.Println("!! no active conversation; use /to <user> or /open <id>")
				continue
			}
			engine.SendMessage(ctx, active, line, nil, "")
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
