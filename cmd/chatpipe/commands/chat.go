package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"github.com/mintlabs/chatpipe/pkg/agent"
	"github.com/mintlabs/chatpipe/pkg/config"
	"github.com/mintlabs/chatpipe/pkg/kv"
	"github.com/mintlabs/chatpipe/pkg/llm"
	"github.com/mintlabs/chatpipe/pkg/memory"
)

var systemPrompt string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat session",
	Long: `Start an interactive chat session. Replies stream as they arrive.

Ctrl-C cancels the reply currently being generated without ending the
session; a cancelled turn is not saved to history. Use /quit (or EOF)
to leave.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&systemPrompt, "system", "", "system prompt for the session")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := globalConfig

	client, err := buildClient(cfg)
	if err != nil {
		return err
	}

	store, err := kv.OpenBadger(kv.BadgerOptions{Dir: filepath.Join(cfg.DataDir, "conversations")})
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer store.Close()

	a, err := agent.New(agent.Options{
		Client:               client,
		Registry:             builtinTools(),
		Conversation:         memory.NewConversation(store, sessionID),
		SystemPrompt:         systemPrompt,
		Budget:               cfg.Budget(),
		FailoverTimeout:      cfg.FailoverTimeout(),
		ToolTimeout:          cfg.ToolTimeout(),
		MinEmitChars:         cfg.Streaming.MinChunkChars,
		StreamingEnabled:     cfg.Streaming.Enabled,
		FastRetry:            cfg.Streaming.FastRetry,
		DisableAfterFailures: cfg.Streaming.DisableAfterFailures,
		DisableCooldown:      cfg.DisableCooldown(),
		Logger:               slog.Default(),
	})
	if err != nil {
		return err
	}

	fmt.Printf("chatpipe: %s/%s, session %q. Ctrl-C cancels a reply, /quit exits.\n",
		cfg.Model.Provider, cfg.Model.Name, sessionID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		// Drain any Ctrl-C pressed at the prompt.
		select {
		case <-sigCh:
		default:
		}

		runTurn(cmd.Context(), a, line, sigCh)
	}
}

// runTurn streams one reply, cancelling it if SIGINT arrives mid-turn.
func runTurn(parent context.Context, a *agent.Agent, line string, sigCh <-chan os.Signal) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\n(cancelled)")
			cancel()
		case <-done:
		}
	}()

	for text, err := range a.ChatStream(ctx, line, agent.ChatOpts{}) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
			break
		}
		fmt.Print(text)
	}
	close(done)
	fmt.Println()
}

func buildClient(cfg *config.Config) (llm.Client, error) {
	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("API key not set; export %s", cfg.Model.APIKeyEnv)
	}

	switch cfg.Model.Provider {
	case "openai":
		opts := []option.RequestOption{option.WithAPIKey(key)}
		if cfg.Model.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.Model.BaseURL))
		}
		cl := openai.NewClient(opts...)
		return &llm.OpenAIClient{
			Client:      &cl,
			Model:       cfg.Model.Name,
			Temperature: cfg.Model.Temperature,
			MaxTokens:   int64(cfg.Model.MaxTokens),
		}, nil
	case "gemini":
		cl, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: key})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return &llm.GeminiClient{
			Client:      cl,
			Model:       cfg.Model.Name,
			Temperature: float32(cfg.Model.Temperature),
			MaxTokens:   int32(cfg.Model.MaxTokens),
		}, nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Model.Provider)
}
