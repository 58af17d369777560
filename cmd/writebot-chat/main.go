// Package main provides a one-shot streaming chat CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/funkpopo/writebot-sub002/internal/config"
	"github.com/funkpopo/writebot-sub002/internal/event"
	"github.com/funkpopo/writebot-sub002/internal/logging"
	"github.com/funkpopo/writebot-sub002/internal/provider"
	"github.com/funkpopo/writebot-sub002/internal/session"
	"github.com/funkpopo/writebot-sub002/pkg/types"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	chatModel     string
	chatSystem    string
	chatMaxTokens int
	chatTemp      float64
	chatJSON      bool
	chatLogLevel  string
	chatDir       string
)

var rootCmd = &cobra.Command{
	Use:   "writebot-chat [message...]",
	Short: "Stream one chat exchange against a configured provider",
	Long: `writebot-chat sends one message to a configured provider and streams
the response to stdout, printing any finalized tool calls as JSON.

Examples:
  writebot-chat "Summarize the attached notes"
  writebot-chat --model anthropic/claude-sonnet-4-20250514 "Draft an intro"
  writebot-chat --json "Rewrite this sentence"`,
	Version: Version,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runChat,
}

var initProject bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `init creates a writebot.json skeleton to fill in with provider keys.
By default it is written to the global config directory; --project writes
it under the current directory's .writebot/ instead.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model to use (provider/model format)")
	rootCmd.Flags().StringVar(&chatSystem, "system", "", "System prompt")
	rootCmd.Flags().IntVar(&chatMaxTokens, "max-tokens", 0, "Maximum output tokens")
	rootCmd.Flags().Float64Var(&chatTemp, "temperature", 0, "Sampling temperature")
	rootCmd.Flags().BoolVar(&chatJSON, "json", false, "Emit stream events as JSON lines")
	rootCmd.Flags().StringVar(&chatLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.Flags().StringVar(&chatDir, "directory", "", "Config directory")
	rootCmd.SetVersionTemplate(fmt.Sprintf("writebot-chat %s (%s)\n", Version, BuildTime))

	initCmd.Flags().BoolVar(&initProject, "project", false, "Write under ./.writebot instead of the global config directory")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := config.GlobalConfigPath()
	if initProject {
		dir, err := os.Getwd()
		if err != nil {
			return err
		}
		path = config.ProjectConfigPath(dir)
	} else if err := config.GetPaths().EnsurePaths(); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	skeleton := &types.Config{
		Model: "anthropic/claude-sonnet-4-20250514",
		Provider: map[string]types.ProviderConfig{
			"anthropic": {APIKey: "{env:ANTHROPIC_API_KEY}"},
		},
	}
	if err := config.Save(skeleton, path); err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	workDir := chatDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if chatModel != "" {
		appConfig.Model = chatModel
	}

	level := chatLogLevel
	if level == "" {
		level = appConfig.LogLevel
	}
	logging.Init(logging.Config{Level: logging.ParseLevel(level)})

	registry, err := provider.InitializeProviders(appConfig)
	if err != nil {
		return err
	}
	adapter, model, err := registry.Default()
	if err != nil {
		return err
	}

	req := &provider.Request{
		Model:       model,
		System:      chatSystem,
		Messages:    []types.Message{types.UserMessage(strings.Join(args, " "))},
		MaxTokens:   chatMaxTokens,
		Temperature: chatTemp,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cont := session.NewContinuation(adapter)

	if chatJSON {
		return runJSON(ctx, cont, req)
	}
	return runPlain(ctx, cont, req)
}

// runPlain streams text to stdout and prints tool calls afterwards.
func runPlain(ctx context.Context, cont *session.Continuation, req *provider.Request) error {
	onChunk := func(text string, done bool, thinking bool, meta *types.ChunkMeta) {
		switch {
		case done:
			fmt.Println()
		case thinking:
			fmt.Fprint(os.Stderr, text)
		default:
			fmt.Print(text)
		}
	}
	onToolCall := func(calls []types.ToolCallRequest) {
		for _, call := range calls {
			data, err := json.Marshal(call)
			if err != nil {
				continue
			}
			fmt.Fprintf(os.Stderr, "tool call: %s\n", data)
		}
	}

	_, err := cont.Run(ctx, req, onChunk, onToolCall)
	return err
}

// runJSON subscribes to the event bus and prints every event as one JSON
// line, exercising the same surface a host shell would.
func runJSON(ctx context.Context, cont *session.Continuation, req *provider.Request) error {
	bus := event.NewBus()
	defer bus.Close()

	enc := json.NewEncoder(os.Stdout)
	var mu sync.Mutex
	unsub := bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(e)
	})
	defer unsub()

	_, err := cont.WithBus(bus).Run(ctx, req, nil, nil)
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
