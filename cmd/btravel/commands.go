package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/btravel/internal/api"
	"github.com/kalambet/btravel/internal/bot"
	"github.com/kalambet/btravel/internal/catalog"
	"github.com/kalambet/btravel/internal/client"
	"github.com/kalambet/btravel/internal/config"
	"github.com/kalambet/btravel/internal/storage"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openStore() (*storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log.Level)
	return storage.Open(cfg.Storage.DataDir)
}

// --- agents ---

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and manage the agent catalog",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents in catalog order",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		agents, err := store.ListAgents(cmd.Context())
		if err != nil {
			return err
		}
		return listAgents(cmd.OutOrStdout(), agents)
	},
}

func listAgents(w io.Writer, agents []storage.Agent) error {
	if len(agents) == 0 {
		fmt.Fprintln(w, "No agents found. Run `btravel agents seed` to load the defaults.")
		return nil
	}
	for _, a := range agents {
		fmt.Fprintf(w, "%s  %-10s %s (%d required, %d optional)\n",
			colorize(colorStep, shortID(a.ID)),
			a.Kind,
			a.Name,
			len(a.RequiredFields),
			len(a.OptionalFields),
		)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var agentsShowCmd = &cobra.Command{
	Use:   "show <id|name>",
	Short: "Show one agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		a, err := findAgent(cmd.Context(), store, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), catalog.Definition{
			Name:           a.Name,
			Type:           a.Kind,
			Description:    a.Description,
			RequiredFields: a.RequiredFields,
			OptionalFields: a.OptionalFields,
			Prompts:        a.Prompts,
		})
	},
}

// findAgent resolves an agent by id, falling back to its name.
func findAgent(ctx context.Context, store *storage.Store, ref string) (storage.Agent, error) {
	a, err := store.GetAgent(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		a, err = store.GetAgentByName(ctx, ref)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Agent{}, fmt.Errorf("agent %q not found", ref)
	}
	return a, err
}

var agentsDeleteCmd = &cobra.Command{
	Use:   "delete <id|name>",
	Short: "Delete an agent; its conversations continue with the generic agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		a, err := findAgent(cmd.Context(), store, args[0])
		if err != nil {
			return err
		}
		if err := store.DeleteAgent(cmd.Context(), a.ID); err != nil {
			return err
		}
		printSuccess("Deleted agent %s (%s)", a.Name, a.ID)
		return nil
	},
}

var agentsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create or update agents from the bundled defaults or a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		defs := catalog.DefaultDefinitions()
		if file != "" {
			var err error
			if defs, err = catalog.LoadDefinitions(file); err != nil {
				return err
			}
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)
		svc, err := openServices(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		printStep("Embedding %d agent descriptions...", len(defs))
		res, err := svc.catalog.Seed(cmd.Context(), defs)
		if err != nil {
			return err
		}
		reportSeed(res)
		return nil
	},
}

func reportSeed(res catalog.SeedResult) {
	for _, name := range res.Created {
		printSuccess("Created %s", name)
	}
	for _, name := range res.Updated {
		printSuccess("Updated %s", name)
	}
	if n := len(res.Unchanged); n > 0 {
		printStatus("Unchanged", "%d", n)
	}
}

func init() {
	agentsSeedCmd.Flags().String("file", "", "YAML file with an `agents:` list (default: bundled agents)")
	agentsCmd.AddCommand(agentsListCmd, agentsShowCmd, agentsDeleteCmd, agentsSeedCmd)
}

// --- conversations ---

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Inspect conversations",
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a conversation's state and transcript from the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		t, err := c.Conversation(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printTranscript(cmd.OutOrStdout(), t)
		return nil
	},
}

func printTranscript(w io.Writer, t client.Transcript) {
	state := "active"
	switch {
	case t.Expired:
		state = "expired"
	case t.IsComplete:
		state = "complete"
	}
	agent := "unassigned"
	if t.Agent != nil {
		agent = fmt.Sprintf("%s (%s)", t.Agent.Name, t.Agent.Type)
	}
	fmt.Fprintf(w, "%s  %s  %s\n", colorize(colorLabel, t.ConversationID), state, agent)
	for _, k := range slices.Sorted(maps.Keys(t.CollectedData)) {
		fmt.Fprintf(w, "  %s = %s\n", colorize(colorLabel, k), t.CollectedData[k])
	}
	for _, m := range t.Messages {
		fmt.Fprintf(w, "[%s] %s\n", m.Role, m.Content)
	}
}

var conversationsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count stored conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		total, active, err := store.CountConversations(cmd.Context())
		if err != nil {
			return err
		}
		printStatus("Conversations", "%d", total)
		printStatus("Active", "%d", active)
		return nil
	},
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", args[0])
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteConversation(cmd.Context(), id.String()); err != nil {
			return err
		}
		printSuccess("Deleted conversation %s", id)
		return nil
	},
}

func init() {
	conversationsCmd.AddCommand(conversationsShowCmd, conversationsStatsCmd, conversationsDeleteCmd)
}

// --- chat ---

var newAPIClient = func() (*client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return client.New(cfg.Server.URL(), nil), nil
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the running server from the terminal",
	Long: `Chat with the running server from the terminal.

Type a message and press enter. /new starts a new conversation, /quit exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runChat(ctx, c, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// chatSender is the part of the API client the REPL needs.
type chatSender interface {
	Send(ctx context.Context, conversationID, message, turnID string) (client.Reply, error)
}

func runChat(ctx context.Context, c chatSender, in io.Reader, out io.Writer) error {
	var convID string
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/quit", "/exit":
			return nil
		case "/new":
			convID = ""
			printStep("Started a new conversation")
		default:
			reply, err := c.Send(ctx, convID, line, uuid.NewString())
			var expired *client.ExpiredError
			switch {
			case errors.As(err, &expired):
				convID = ""
				printWarning("Conversation expired. Continue at %s", expired.Link)
			case errors.Is(err, client.ErrNotFound):
				convID = ""
				printWarning("Conversation no longer exists; your next message starts a new one")
			case err != nil:
				if ctx.Err() != nil {
					return nil
				}
				printError("%v", err)
			default:
				convID = reply.ConversationID
				fmt.Fprintln(out, reply.Message)
				if reply.IsComplete && reply.TelegramLink != "" {
					printSuccess("All details collected. Continue at %s", reply.TelegramLink)
				}
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

// --- bot ---

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Run the Telegram bot against the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)
		if cfg.Telegram.Token == "" {
			return fmt.Errorf("missing required config: telegram token. " +
				"Set it via environment variable BTRAVEL_TELEGRAM_TOKEN")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		backend := client.New(cfg.Telegram.BackendURL, nil)
		if !backend.Healthy(ctx) {
			printWarning("btravel server at %s is not answering yet", backend.BaseURL())
		}
		return bot.New(backend).Run(ctx, cfg.Telegram.Token)
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the conversation engine over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := openServices(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()
		seedIfEmpty(ctx, svc)

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Conversations: svc.conversations,
			Matcher:       svc.catalog,
			Agents:        svc.catalog,
		}, version)
		if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorLabel, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the config file.\n\nValid keys: " +
		strings.Join(config.ValidKeys(), ", "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
