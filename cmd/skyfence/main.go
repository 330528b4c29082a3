package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skyfence/skyfence/internal/api"
	"github.com/skyfence/skyfence/internal/config"
	"github.com/skyfence/skyfence/internal/dock"
	"github.com/skyfence/skyfence/internal/groundstop"
	"github.com/skyfence/skyfence/internal/metrics"
	"github.com/skyfence/skyfence/internal/notify"
	"github.com/skyfence/skyfence/internal/pod"
	"github.com/skyfence/skyfence/internal/store"
	"github.com/skyfence/skyfence/internal/track"
	"github.com/skyfence/skyfence/internal/violation"
	"github.com/skyfence/skyfence/internal/zone"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "skyfence",
		Short: "Airspace policy core for autonomous UAV fleets",
		Long:  "SkyFence — geofence zones, violation evaluation, docking allocation and fleet holds for UAV operations.",
	}

	var configFile string
	var port int
	var devMode bool

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the SkyFence policy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port, devMode)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: skyfence.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 7420)")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, CORS *")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config with example zones and stations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show running status: tracked agents, zones, docking occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("SkyFence %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// ─── zone ───
	zoneCmd := &cobra.Command{
		Use:   "zone",
		Short: "Zone catalog commands",
	}

	zoneListCmd := &cobra.Command{
		Use:   "list",
		Short: "Show all loaded zones with status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runZoneList(port)
		},
	}

	zoneValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the zone and station catalog without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runZoneValidate(configFile)
		},
	}
	zoneValidateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	zoneReloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Hot-reload the zone catalog without restart",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/zones/reload", p), "application/json", nil)
			if err != nil {
				return fmt.Errorf("failed to connect to SkyFence: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode == 200 {
				fmt.Println("✓ Zones reloaded")
			} else {
				fmt.Printf("✗ Reload failed (HTTP %d)\n", resp.StatusCode)
			}
			return nil
		},
	}

	zoneCmd.AddCommand(zoneListCmd, zoneValidateCmd, zoneReloadCmd)

	// ─── station ───
	stationCmd := &cobra.Command{
		Use:   "station",
		Short: "Docking station commands",
	}

	stationListCmd := &cobra.Command{
		Use:   "list",
		Short: "List docking stations with occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStationList(port)
		},
	}

	stationCmd.AddCommand(stationListCmd)

	// ─── agent ───
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent tracking commands",
	}

	agentListCmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked agents with their current position",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentList(port)
		},
	}

	agentHistoryCmd := &cobra.Command{
		Use:   "history [agent-id]",
		Short: "Show recent position history for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentHistory(port, args[0])
		},
	}

	agentCmd.AddCommand(agentListCmd, agentHistoryCmd)

	// ─── stop (emergency ground stop) ───
	var stopAll bool
	stopCmd := &cobra.Command{
		Use:   "stop [agent-id]",
		Short: "Emergency ground stop — block docking and pod admission",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			if stopAll {
				resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/groundstop/global", p), "application/json",
					strings.NewReader(`{"reason":"CLI stop command"}`))
				if err != nil {
					return fmt.Errorf("failed to connect: %w", err)
				}
				_ = resp.Body.Close()
				fmt.Println("  GLOBAL GROUND STOP ACTIVE — all agents held")
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("specify agent-id or --all")
			}
			resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/groundstop/agents/%s", p, args[0]), "application/json",
				strings.NewReader(`{"reason":"CLI stop command"}`))
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			_ = resp.Body.Close()
			fmt.Printf("  GROUND STOP ACTIVE for agent %s\n", args[0])
			return nil
		},
	}
	stopCmd.Flags().BoolVar(&stopAll, "all", false, "Activate the global ground stop (holds ALL agents)")

	resumeCmd := &cobra.Command{
		Use:   "resume [agent-id]",
		Short: "Lift a ground stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			url := fmt.Sprintf("http://localhost:%d/api/groundstop/global", p)
			if len(args) > 0 {
				url = fmt.Sprintf("http://localhost:%d/api/groundstop/agents/%s", p, args[0])
			}
			req, _ := http.NewRequest("DELETE", url, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			_ = resp.Body.Close()
			if len(args) > 0 {
				fmt.Printf("✓ Ground stop lifted for agent %s\n", args[0])
			} else {
				fmt.Println("✓ Global ground stop lifted")
			}
			return nil
		},
	}

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, versionCmd, zoneCmd, stationCmd, agentCmd, stopCmd, resumeCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride int, devMode bool) error {
	// Load config
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := cfgLoader.Get()

	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}
	if devMode {
		cfg.Server.CORS = true
		cfg.Server.LogLevel = "debug"
	}

	// Setup logger
	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	// Initialize storage
	st, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if err := st.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = st.Close() }()

	m := metrics.NewMetrics()

	// Compile the zone catalog
	conditions, err := zone.NewConditionEvaluator(logger)
	if err != nil {
		return fmt.Errorf("failed to create condition evaluator: %w", err)
	}
	catalog := zone.NewCatalog(conditions, st, logger)
	loaded := catalog.Load(cfg.Zones)

	// Track store, notification sinks, violation evaluator
	tracks := track.NewTrackStore(st, logger)
	notifier := notify.NewManager(cfg.Notify, logger)
	defer notifier.Close()
	evaluator := violation.NewEvaluator(catalog, conditions, notifier, st, m, logger)

	// Docking and holding
	allocator := dock.NewAllocator(cfg.Stations, st, m, logger)
	holding := pod.NewPod(cfg.Pod.Capacity, st, m, logger)

	// Ground stop, with the file-based sentinel checked every second.
	stops := groundstop.New(m, logger)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			stops.CheckSentinel()
		}
	}()

	// Background maintenance: sample retention and notify dedup pruning.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if cfg.Storage.Retention > 0 {
				cutoff := time.Now().UTC().Add(-cfg.Storage.Retention)
				if n, err := st.PruneSamplesOlderThan(cutoff); err != nil {
					logger.Error("sample prune failed", "error", err)
				} else if n > 0 {
					logger.Info("pruned old samples", "count", n)
				}
			}
			notifier.PruneDedup()
		}
	}()

	apiServer := api.NewServer(cfg.Server, st, cfgLoader, catalog,
		tracks, evaluator, allocator, holding, stops, m, logger)

	// Print startup banner
	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════╗")
	fmt.Println("  ║            SkyFence v" + version + "               ║")
	fmt.Println("  ║   Airspace policy core for UAV fleets    ║")
	fmt.Println("  ╚══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  → API:      http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Printf("  → Feed:     ws://localhost:%d/api/ws/feed\n", cfg.Server.Port)
	fmt.Printf("  → Metrics:  http://localhost:%d/metrics\n", cfg.Server.Port)
	fmt.Printf("  → Storage:  %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  → Zones:    %d loaded\n", loaded)
	fmt.Printf("  → Stations: %d configured\n", len(allocator.Stations()))
	fmt.Printf("  → Notify:   sinks=%v\n", notifier.HasSinks())
	fmt.Println()

	// Hot-reload the zone catalog when the config file changes.
	if configFile != "" {
		if err := catalog.WatchConfig(configFile, func(path string) {
			if err := cfgLoader.Reload(); err != nil {
				logger.Error("hot-reload failed", "error", err)
				return
			}
			catalog.Load(cfgLoader.Get().Zones)
		}); err != nil {
			logger.Error("failed to watch config for hot-reload", "error", err)
		}
		defer catalog.StopWatch()
	}

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = apiServer.Shutdown(shutCtx)
	}()

	logger.Info("starting HTTP server", "port", cfg.Server.Port)
	if err := apiServer.Start(api.APIAddr(cfg.Server.Port)); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// ─── Init ───

func runInit() error {
	configPath := "skyfence.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
		return nil
	}
	if err := config.GenerateDefault(configPath); err != nil {
		return err
	}
	fmt.Printf("  ✓ Generated %s\n", configPath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    edit skyfence.yaml            # Define your zones and stations")
	fmt.Println("    skyfence zone validate        # Check the catalog")
	fmt.Println("    skyfence start                # Start the server")
	return nil
}

// ─── Validate ───

func runZoneValidate(configFile string) error {
	path := configFile
	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		return fmt.Errorf("no config file found, run 'skyfence init' to create one")
	}

	loader := config.NewLoader()
	if err := loader.Load(path); err != nil {
		fmt.Printf("✗ Invalid config: %s\n", err)
		return err
	}

	cfg := loader.Get()
	fmt.Printf("✓ Config file valid: %s\n", path)
	fmt.Printf("  Zones:    %d\n", len(cfg.Zones))
	fmt.Printf("  Stations: %d\n", len(cfg.Stations))
	fmt.Printf("  Port:     %d\n", cfg.Server.Port)

	conditions, err := zone.NewConditionEvaluator(nil)
	if err != nil {
		return fmt.Errorf("failed to create condition evaluator: %w", err)
	}
	valid := 0
	for _, zc := range cfg.Zones {
		if _, err := zone.Compile(zc, conditions); err != nil {
			fmt.Printf("  ✗ Zone %q: %s\n", zc.ID, err)
		} else {
			valid++
		}
	}
	fmt.Printf("  ✓ %d/%d zones compile\n", valid, len(cfg.Zones))

	return nil
}

// ─── Shared Helpers ───

func runStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/stats", p))
	if err != nil {
		fmt.Printf("SkyFence is not running on port %d\n", p)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var stats map[string]interface{}
	if err := decodeJSON(resp, &stats); err != nil {
		return err
	}

	fmt.Println("SkyFence Status")
	fmt.Println("─────────────────")
	for k, v := range stats {
		fmt.Printf("  %-20s %v\n", k+":", v)
	}
	return nil
}

func runZoneList(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/zones", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)

	zones, ok := result["zones"].([]interface{})
	if !ok || len(zones) == 0 {
		fmt.Println("No zones loaded.")
		return nil
	}

	fmt.Printf("%-20s %-12s %-12s %-10s %-10s %s\n", "ID", "GEOMETRY", "BOUNDARY", "PRIORITY", "STATUS", "VIOLATIONS")
	fmt.Println(strings.Repeat("─", 80))
	for _, z := range zones {
		m := z.(map[string]interface{})
		state, _ := m["state"].(map[string]interface{})
		fmt.Printf("%-20v %-12v %-12v %-10v %-10v %v\n",
			m["id"], m["geometry"], m["boundary"], m["priority"], str(state["status"]), state["violation_count"])
	}
	return nil
}

func runStationList(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/stations", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)

	stations, ok := result["stations"].([]interface{})
	if !ok || len(stations) == 0 {
		fmt.Println("No stations configured.")
		return nil
	}

	fmt.Printf("%-12s %-20s %-12s %-10s %s\n", "ID", "NAME", "OCCUPANCY", "STATUS", "CAPABILITIES")
	fmt.Println(strings.Repeat("─", 70))
	for _, s := range stations {
		m := s.(map[string]interface{})
		caps := ""
		if b, _ := m["charging"].(bool); b {
			caps += "charging "
		}
		if b, _ := m["maintenance"].(bool); b {
			caps += "maintenance"
		}
		fmt.Printf("%-12v %-20v %v/%-8v %-10v %s\n",
			m["id"], truncate(str(m["name"]), 20), num(m["occupancy"]), num(m["capacity"]), m["status"], caps)
	}
	return nil
}

func runAgentList(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/positions/current", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	_ = decodeJSON(resp, &result)

	positions, ok := result["positions"].([]interface{})
	if !ok || len(positions) == 0 {
		fmt.Println("No agents tracked yet.")
		return nil
	}

	fmt.Printf("%-20s %-12s %-12s %-10s %s\n", "AGENT", "LAT", "LON", "ALT (M)", "TIMESTAMP")
	fmt.Println(strings.Repeat("─", 80))
	for _, pos := range positions {
		m := pos.(map[string]interface{})
		fmt.Printf("%-20v %-12.6f %-12.6f %-10v %v\n",
			m["agent_id"], num(m["lat"]), num(m["lon"]), str(m["altitude_m"]), m["timestamp"])
	}
	return nil
}

func runAgentHistory(port int, agentID string) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/agents/%s/history", p, agentID))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	samples, ok := result["samples"].([]interface{})
	if !ok || len(samples) == 0 {
		fmt.Printf("No history for agent %s.\n", agentID)
		return nil
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(samples)
}

func findConfigFile() string {
	candidates := []string{
		"skyfence.yaml",
		"skyfence.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "skyfence", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 7420
	}
	return port
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func num(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
