package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/btravel/internal/api"
	"github.com/kalambet/btravel/internal/catalog"
	"github.com/kalambet/btravel/internal/client"
	"github.com/kalambet/btravel/internal/config"
	"github.com/kalambet/btravel/internal/conversation"
	"github.com/kalambet/btravel/internal/engine"
	"github.com/kalambet/btravel/internal/generator"
	"github.com/kalambet/btravel/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the btravel server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		noSeed, _ := cmd.Flags().GetBool("no-seed")
		return runServer(!noSeed)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running btravel server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show btravel system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().Bool("no-seed", false, "do not load the default agents into an empty catalog")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "btravel.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// services is the wired conversation stack shared by the server, the MCP
// server and the local agent commands.
type services struct {
	store         *storage.Store
	llm           engine.Engine
	catalog       *catalog.Catalog
	conversations *conversation.Engine
}

func openServices(cfg config.Config) (*services, error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	llm, err := engine.Detect(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	embedder := catalog.NewEmbedder(llm, cfg.LLM.EmbedModel, cfg.LLM.EmbedDimensions)
	cat := catalog.New(store, embedder)
	gen := generator.New(llm, cfg.LLM.ChatModel, cfg.LLM.Temperature)
	convs := conversation.New(store, cat, gen, conversation.OptionsFromConfig(cfg.Conversation))

	return &services{store: store, llm: llm, catalog: cat, conversations: convs}, nil
}

func (s *services) Close() {
	if err := s.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

// seedIfEmpty loads the bundled agents into an empty catalog. A failure
// leaves the catalog empty; turns then fall back to the generic agent.
func seedIfEmpty(ctx context.Context, s *services) {
	n, err := s.store.CountAgents(ctx)
	if err != nil {
		slog.Warn("counting agents", "error", err)
		return
	}
	if n > 0 {
		return
	}
	res, err := s.catalog.Seed(ctx, catalog.DefaultDefinitions())
	if err != nil {
		slog.Warn("seeding default agents", "error", err)
		return
	}
	slog.Info("seeded default agents", "created", len(res.Created))
}

func runServer(seed bool) error {
	fmt.Fprintf(os.Stderr, "btravel version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Refuse to start twice. The health probe catches a server whose PID
	// file was lost.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	probe := client.New(cfg.Server.URL(), &http.Client{Timeout: 2 * time.Second})
	if probe.Healthy(context.Background()) {
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("btravel is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("btravel is already running on %s", cfg.Server.Addr())
		return fmt.Errorf("server already running on %s", cfg.Server.Addr())
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := engine.EnsureReady(ctx, svc.llm, cfg.LLM.ChatModel, cfg.LLM.EmbedModel, os.Stderr); err != nil {
		return err
	}
	if seed {
		seedIfEmpty(ctx, svc)
	}

	sweeper := conversation.NewSweeper(svc.store, conversation.OptionsFromConfig(cfg.Conversation), time.Minute)
	go sweeper.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Conversations: svc.conversations,
		Agents:        svc.catalog,
	})

	addr := cfg.Server.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "btravel listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("btravel is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop btravel (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to btravel (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := client.New(cfg.Server.URL(), &http.Client{Timeout: 2 * time.Second})
	running := c.Healthy(ctx)
	if running {
		printStatus("Server", "running on %s", cfg.Server.Addr())
	} else {
		printStatus("Server", "stopped")
	}

	printStatus("Provider", "%s at %s", cfg.LLM.Provider, cfg.LLM.BaseURL)
	printStatus("Chat model", "%s", cfg.LLM.ChatModel)
	printStatus("Embed model", "%s (%d dims)", cfg.LLM.EmbedModel, cfg.LLM.EmbedDimensions)
	printStatus("Conversation TTL", "%s", cfg.Conversation.TTL)
	printStatus("Completion", "%s", cfg.Conversation.CompletionPolicy)

	if running {
		if agents, err := c.Agents(ctx); err == nil {
			printStatus("Agents", "%d", len(agents))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
