package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"chatsync/internal/chat"
	"chatsync/internal/chatstore"
	"chatsync/internal/config"
	"chatsync/internal/gateway/rest"
	"chatsync/internal/observability"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Terminal client for the chat gateway",
	Long: `chatctl signs in to a chat gateway and lists, opens and creates
conversations. Settings fall back to GATEWAY_URL, GATEWAY_EMAIL and
GATEWAY_PASSWORD from the environment or config.yml.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().String("url", "", "gateway base URL")
	rootCmd.PersistentFlags().StringP("email", "e", "", "account email")
	rootCmd.PersistentFlags().StringP("password", "p", "", "account password")
	rootCmd.PersistentFlags().String("log-file", "chatctl.log", "write logs here instead of the terminal (empty discards them)")
}

// env is a signed-in client and the settings it was built from.
type env struct {
	cfg     *config.Config
	client  *rest.Client
	repo    chatstore.Repository
	userID  string
	logFile *os.File
}

func connect(cmd *cobra.Command) (*env, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	url, _ := flags.GetString("url")
	email, _ := flags.GetString("email")
	password, _ := flags.GetString("password")
	logPath, _ := flags.GetString("log-file")
	if url == "" {
		url = cfg.GatewayURL
	}
	if email == "" {
		email = cfg.GatewayEmail
	}
	if password == "" {
		password = cfg.GatewayPassword
	}
	if email == "" || password == "" {
		return nil, fmt.Errorf("an email and password are required (flags or GATEWAY_EMAIL / GATEWAY_PASSWORD)")
	}

	e := &env{cfg: cfg}
	var sink io.Writer = io.Discard
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		e.logFile = f
		sink = f
	}
	observability.SetGlobalLogger(slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: slog.LevelInfo})))

	e.client = rest.New(rest.Config{BaseURL: url, Timeout: cfg.GatewayTimeout()})
	session, err := e.client.SignIn(cmd.Context(), email, password)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("sign in: %w", err)
	}
	e.userID = session.User.ID
	e.repo = chatstore.New(e.client)
	return e, nil
}

func (e *env) close() {
	if e.client != nil {
		_ = e.client.Close()
	}
	if e.logFile != nil {
		_ = e.logFile.Close()
	}
}

func (e *env) session(out io.Writer, onChange func()) (*chat.Session, error) {
	ordering, err := chat.ParseOrdering(e.cfg.OrderingPolicy)
	if err != nil {
		return nil, err
	}
	return chat.NewSession(e.repo, e.userID, chat.SessionOptions{
		Ordering:    ordering,
		LoadWorkers: e.cfg.DirectoryLoadWorker,
		Notify:      func(n chat.Notice) { fmt.Fprintf(out, "! %s\n", n) },
		OnChange:    onChange,
	}), nil
}
