package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"messenger-hub/auth"
	"messenger-hub/client"
	"messenger-hub/domain"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/kelseyhightower/envconfig"
	"github.com/olekukonko/tablewriter"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// Config defines the client-side environment variables.
// Without HUB_TOKEN a token is minted locally from JWT_SECRET, for development hubs.
type Config struct {
	HubAddr      string `envconfig:"HUB_ADDR" default:"ws://localhost:8080/ws"`
	Token        string `envconfig:"HUB_TOKEN"`
	JWTSecret    string `envconfig:"JWT_SECRET"`
	JWTIssuer    string `envconfig:"JWT_ISSUER" default:"messenger-hub"`
	User         string `envconfig:"HUB_USER" required:"true"`
	Conversation string `envconfig:"HUB_CONVERSATION" required:"true"`
	Device       string `envconfig:"HUB_DEVICE" default:"cli"`
	Colours      bool   `envconfig:"HUB_COLOURS" default:"true"`
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Load configuration from environment variables.
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	color.Enable = config.Colours

	token := config.Token
	if token == "" {
		if config.JWTSecret == "" {
			return exitConfig, errors.New("HUB_TOKEN or JWT_SECRET is required")
		}
		var err error
		token, err = auth.NewJWTAuthenticator(config.JWTSecret, config.JWTIssuer).
			GenerateToken(domain.UserID(config.User), nil, time.Hour)
		if err != nil {
			return exitConfig, fmt.Errorf("token minting failed: %w", err)
		}
	}

	// 2. Setup context to handle termination signals (Ctrl+C).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Connect and listen.
	c, err := client.Dial(ctx, config.HubAddr, token, config.Device)
	if err != nil {
		return exitRuntime, err
	}
	defer func() { _ = c.Close() }()

	conversation := domain.ConversationID(config.Conversation)
	color.Green.Printf(">>> Connected to %s as %s in %s (/history, /typing, Ctrl+C to quit)\n",
		config.HubAddr, config.User, conversation)

	received := make(chan error, 1)
	go func() { received <- receive(c) }()
	go prompt(ctx, c, conversation)

	select {
	case <-ctx.Done():
		color.Gray.Println("Stopping client...")
		return exitOK, nil
	case err := <-received:
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			color.Yellow.Printf("Hub closed the connection: %d %s\n", closeErr.Code, closeErr.Text)
			if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
				return exitOK, nil
			}
		}
		return exitRuntime, err
	}
}

func prompt(ctx context.Context, c *client.Client, conversation domain.ConversationID) {
	scanner := bufio.NewScanner(os.Stdin)
	for ctx.Err() == nil && scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var err error
		switch {
		case line == "":
			continue
		case line == "/history":
			err = c.History(conversation, 0, 0)
		case line == "/typing":
			err = c.Typing(conversation)
		default:
			_, err = c.Send(conversation, line)
		}
		if err != nil {
			color.Red.Printf("send failed: %v\n", err)
		}
	}
}

func receive(c *client.Client) error {
	for {
		env, err := c.Next(0)
		if err != nil {
			return err
		}
		switch env.Type {
		case domain.EnvelopeMessage:
			color.Cyan.Printf("[%s] #%d %s: ", timeOf(env), env.Sequence, env.SenderID)
			fmt.Println(env.Body)
			_ = c.Ack(env.MessageID)
		case domain.EnvelopeAck:
			color.Gray.Printf("  stored as #%d\n", env.Sequence)
		case domain.EnvelopePresence:
			color.Magenta.Printf("  %s is %s\n", env.UserID, env.Status)
		case domain.EnvelopeError:
			color.Red.Printf("  rejected: %s\n", env.Error)
		case domain.EnvelopeHistory:
			printHistory(env.Messages)
		}
	}
}

func printHistory(messages []domain.Envelope) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Seq", "Time", "Sender", "Body"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, m := range messages {
		table.Append([]string{fmt.Sprint(m.Sequence), timeOf(m), string(m.SenderID), m.Body})
	}
	table.Render()
}

func timeOf(env domain.Envelope) string {
	if env.CreatedAt == nil {
		return "--:--:--"
	}
	return env.CreatedAt.Local().Format(time.TimeOnly)
}
