// Package main provides the muninn CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/orneryd/muninn/pkg/broadcast"
	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/muninn"
	"github.com/orneryd/muninn/pkg/server"
	"github.com/orneryd/muninn/pkg/tombstone"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	// Local overrides only; absence is the normal case.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "muninn",
		Short: "Muninn - Persistent Knowledge Graph Memory for LLM Agents",
		Long: `Muninn is a long-running knowledge graph server that gives LLM agents
persistent memory across sessions.

Features:
  • Two graph levels: user-wide and per-project
  • MCP tool surface over HTTP JSON-RPC
  • Token-budgeted memory with percentile-based archiving
  • Orphan pruning with a recall grace period
  • Real-time change broadcast over WebSocket
  • Atomic persistence with tiered backups`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Muninn v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the knowledge graph server",
		Long:  "Start the HTTP server exposing the MCP tool surface, WebSocket feed, and metrics",
		RunE:  runServe,
	}
	serveCmd.Flags().String("address", "", "Address to bind (overrides KG_HTTP_ADDRESS)")
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides KG_HTTP_PORT)")
	serveCmd.Flags().String("user-path", "", "User graph file (overrides KG_USER_PATH)")
	serveCmd.Flags().String("project-path", "", "Default project directory (overrides KG_PROJECT_PATH)")
	serveCmd.Flags().Int("max-tokens", 0, "Per-graph token budget (overrides KG_MAX_TOKENS)")
	rootCmd.AddCommand(serveCmd)

	maintainCmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance pass and exit",
		Long:  "Load the graphs, run compaction and orphan pruning once, save, and exit",
		RunE:  runMaintain,
	}
	rootCmd.AddCommand(maintainCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show graph statistics",
		RunE:  runStats,
	}
	statsCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statsCmd)

	tombstonesCmd := &cobra.Command{
		Use:   "tombstones",
		Short: "Show recently deleted nodes",
		RunE:  runTombstones,
	}
	tombstonesCmd.Flags().Int("limit", 20, "Number of records to show")
	rootCmd.AddCommand(tombstonesCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers CLI flags over environment and YAML settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.LoadFromEnv()

	if cmd.Flags().Changed("address") {
		cfg.Server.Address, _ = cmd.Flags().GetString("address")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("user-path") {
		cfg.Storage.UserPath, _ = cmd.Flags().GetString("user-path")
	}
	if cmd.Flags().Changed("project-path") {
		cfg.Storage.ProjectPath, _ = cmd.Flags().GetString("project-path")
	}
	if cmd.Flags().Changed("max-tokens") {
		cfg.Memory.MaxTokens, _ = cmd.Flags().GetInt("max-tokens")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore builds a store from config, with the tombstone ledger and
// broadcast hub attached when requested.
func openStore(cfg *config.Config, hub *broadcast.Hub) (*muninn.Store, *tombstone.Ledger, error) {
	storeCfg := cfg.StoreConfig()

	var ledger *tombstone.Ledger
	if cfg.Tombstones.Enabled {
		var err error
		ledger, err = tombstone.Open(cfg.Tombstones.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening tombstone ledger: %w", err)
		}
		storeCfg.Tombstones = ledger
	}
	if hub != nil {
		storeCfg.Broadcast = hub.Publish
	}

	store, err := muninn.New(storeCfg)
	if err != nil {
		if ledger != nil {
			ledger.Close()
		}
		return nil, nil, err
	}
	return store, ledger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("🧠 Starting Muninn v%s\n", version)
	fmt.Printf("   User graph:      %s\n", cfg.Storage.UserPath)
	fmt.Printf("   Default project: %s\n", cfg.Storage.ProjectPath)
	fmt.Printf("   Token budget:    %d per graph\n", cfg.Memory.MaxTokens)
	fmt.Printf("   Maintenance:     every %s\n", cfg.Storage.SaveInterval)
	fmt.Println()

	hub := broadcast.NewHub()
	store, ledger, err := openStore(cfg, hub)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	if ledger != nil {
		defer ledger.Close()
	}

	store.Start()
	defer store.Stop()

	serverCfg := server.DefaultConfig()
	serverCfg.Address = cfg.Server.Address
	serverCfg.Port = cfg.Server.Port
	serverCfg.EnableCORS = cfg.Server.EnableCORS

	httpServer, err := server.New(store, hub, serverCfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Println("✅ Muninn is ready!")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  • MCP:       http://%s/mcp\n", httpServer.Addr())
	fmt.Printf("  • WebSocket: ws://%s/ws\n", httpServer.Addr())
	fmt.Printf("  • Health:    http://%s/health\n", httpServer.Addr())
	fmt.Printf("  • Metrics:   http://%s/metrics\n", httpServer.Addr())
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Stop(ctx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	return nil
}

func runMaintain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, ledger, err := openStore(cfg, nil)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	if ledger != nil {
		defer ledger.Close()
	}

	before := store.Ping()
	store.Maintain()
	store.Flush()
	after := store.Ping()

	for _, key := range sortedKeys(after.Nodes) {
		fmt.Printf("%-40s nodes %d → %d, tokens %d → %d\n",
			key, before.Nodes[key], after.Nodes[key],
			before.Tokens[key], after.Tokens[key])
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, ledger, err := openStore(cfg, nil)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	if ledger != nil {
		defer ledger.Close()
	}

	ping := store.Ping()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return json.NewEncoder(os.Stdout).Encode(ping)
	}

	fmt.Printf("Muninn v%s\n\n", version)
	fmt.Printf("%-40s %8s %8s %8s\n", "GRAPH", "NODES", "EDGES", "TOKENS")
	for _, key := range sortedKeys(ping.Nodes) {
		fmt.Printf("%-40s %8d %8d %8d\n",
			key, ping.Nodes[key], ping.Edges[key], ping.Tokens[key])
	}
	fmt.Printf("\nToken budget: %d per graph\n", cfg.Memory.MaxTokens)
	return nil
}

func runTombstones(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Tombstones.Enabled {
		return fmt.Errorf("tombstones are disabled, set KG_TOMBSTONES_ENABLED=true")
	}

	ledger, err := tombstone.Open(cfg.Tombstones.Path)
	if err != nil {
		return fmt.Errorf("opening tombstone ledger: %w", err)
	}
	defer ledger.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	records, err := ledger.Recent(limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No deletions recorded")
		return nil
	}

	for _, rec := range records {
		ts := time.Unix(int64(rec.DeletedTS), 0).Format(time.RFC3339)
		fmt.Printf("%s  %-14s %-30s %s\n", ts, rec.Reason, rec.GraphKey+"/"+rec.ID, rec.Gist)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
