package main

import (
	"context"
	"encoding/json"
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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/runeforge/internal/api"
	"github.com/kalambet/runeforge/internal/audit"
	"github.com/kalambet/runeforge/internal/classify"
	"github.com/kalambet/runeforge/internal/config"
	"github.com/kalambet/runeforge/internal/knowledge"
	"github.com/kalambet/runeforge/internal/learn"
	"github.com/kalambet/runeforge/internal/match"
	"github.com/kalambet/runeforge/internal/metrics"
	"github.com/kalambet/runeforge/internal/moderation"
	"github.com/kalambet/runeforge/internal/storage"
	"github.com/kalambet/runeforge/internal/sweep"
	"github.com/kalambet/runeforge/internal/synth"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the runeforge server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running runeforge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runeforge system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the knowledge base to an MCP client over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

// services holds everything a server process wires together.
type services struct {
	store      *storage.Store
	classifier classify.Classifier
	metrics    *metrics.Collector
	matcher    *match.Matcher
	moderation *moderation.Service
	learner    *learn.Learner
}

func newServices(ctx context.Context, cfg config.Config, logger *slog.Logger) (*services, error) {
	synthTimeout, err := cfg.SynthTimeout()
	if err != nil {
		return nil, err
	}

	synthCfg := synth.Config{
		Provider: cfg.Synth.Provider,
		BaseURL:  cfg.Synth.BaseURL,
		Model:    cfg.Synth.Model,
		APIKey:   cfg.Synth.APIKey,
		Timeout:  synthTimeout,
	}
	// A missing model only degrades matching to fallbacks, so it is not fatal.
	if err := synth.EnsureReady(ctx, synthCfg, os.Stderr); err != nil {
		slog.Warn("synthesizer not ready, misses will fall back", "provider", cfg.Synth.Provider, "error", err)
	}
	sy, err := synth.New(synthCfg)
	if err != nil {
		return nil, fmt.Errorf("creating synthesizer: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	cls := classify.NewKeyword()
	report, err := knowledge.Reconcile(ctx, store, cls)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("reconciling orbs: %w", err)
	}
	if len(report.Created) > 0 || len(report.Orphans) > 0 {
		slog.Info("orbs reconciled", "created", report.Created, "orphans", report.Orphans)
	}

	collector := metrics.NewCollector()
	sink := audit.Multi(audit.NewStoreSink(store), audit.NewLogSink(logger))

	return &services{
		store:      store,
		classifier: cls,
		metrics:    collector,
		matcher: match.New(store, cls, sy,
			match.WithThreshold(cfg.Match.Threshold),
			match.WithSynthTimeout(synthTimeout),
			match.WithMetrics(collector),
			match.WithAudit(sink),
		),
		moderation: moderation.NewService(store, cls, sy,
			moderation.WithConcurrency(cfg.Sweep.Concurrency),
			moderation.WithSynthTimeout(synthTimeout),
			moderation.WithMetrics(collector),
			moderation.WithAudit(sink),
		),
		learner: learn.New(store, cls, learn.WithMetrics(collector), learn.WithAudit(sink)),
	}, nil
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "runeforge.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "runeforge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closeLog := config.SetupLogger(cfg.Log.AuditFile, config.ParseLevel(cfg.Log.Level))
	defer closeLog()
	slog.SetDefault(logger)

	apiToken, err := config.GetAPIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("runeforge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("runeforge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	handler := api.NewAppHandler(api.AppDeps{
		Store:      svc.store,
		Matcher:    svc.matcher,
		Moderation: svc.moderation,
		Learner:    svc.learner,
		Classifier: svc.classifier,
		Metrics:    svc.metrics,
		Token:      apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	interval, err := cfg.SweepInterval()
	if err != nil {
		return err
	}
	if interval > 0 {
		go sweep.NewWorker(svc.moderation, interval).Run(ctx)
	} else {
		slog.Info("background sweep disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "runeforge listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// stdout carries the protocol, so logs only go to stderr and the audit file.
	logger, closeLog := config.SetupLogger(cfg.Log.AuditFile, config.ParseLevel(cfg.Log.Level))
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.store.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:      svc.store,
		Matcher:    svc.matcher,
		Moderation: svc.moderation,
		Learner:    svc.learner,
	}, version)

	slog.Info("MCP server started (stdio transport)")
	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
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
		printError("runeforge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop runeforge (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to runeforge (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Synthesizer", "%s (%s)", cfg.Synth.Provider, cfg.Synth.Model)
	if cfg.Synth.Provider == synth.ProviderOllama {
		ollamaResp, err := client.Get(cfg.Synth.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Synth.BaseURL)
		}
	}
	printStatus("Threshold", "%.2f", cfg.Match.Threshold)

	if running {
		if token, err := config.GetAPIToken(); err == nil {
			if stats, err := fetchStats(client, serverURL, token); err == nil {
				printStatus("Queue", "%s", queueSummary(stats.Queue))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchStats(client *http.Client, serverURL, token string) (api.StatsResponse, error) {
	var stats api.StatsResponse
	req, err := http.NewRequest(http.MethodGet, serverURL+"/stats", nil)
	if err != nil {
		return stats, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return stats, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stats, fmt.Errorf("stats returned %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&stats)
	return stats, err
}

func queueSummary(counts map[string]int) string {
	var parts []string
	for _, st := range []string{
		storage.StatusPending, storage.StatusTrained, storage.StatusError,
		storage.StatusApproved, storage.StatusRejected,
	} {
		parts = append(parts, fmt.Sprintf("%d %s", counts[st], st))
	}
	return strings.Join(parts, ", ")
}
