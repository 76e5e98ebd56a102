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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/frontdesk/internal/api"
	"github.com/kalambet/frontdesk/internal/config"
	"github.com/kalambet/frontdesk/internal/escalation"
	"github.com/kalambet/frontdesk/internal/knowledge"
	"github.com/kalambet/frontdesk/internal/metrics"
	"github.com/kalambet/frontdesk/internal/notify"
	"github.com/kalambet/frontdesk/internal/sms"
	"github.com/kalambet/frontdesk/internal/storage"
)

var startMCP bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the frontdesk server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(startMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running frontdesk server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show frontdesk status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	startCmd.Flags().BoolVar(&startMCP, "mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "frontdesk.pid")
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

// stores is the pair of persistence backends selected by storage.backend.
type stores struct {
	records   storage.RecordStore
	knowledge knowledge.Store
	describe  string
}

func openStores(cfg config.StorageConfig) (stores, error) {
	switch cfg.Backend {
	case config.BackendCSV:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return stores{}, fmt.Errorf("creating data dir: %w", err)
		}
		csvPath := filepath.Join(cfg.DataDir, "knowledge_base.csv")
		records, err := storage.OpenFile(csvPath)
		if err != nil {
			return stores{}, err
		}
		learned := knowledge.OpenFile(filepath.Join(cfg.DataDir, "learned_knowledge.txt"))
		return stores{
			records:   records,
			knowledge: learned,
			describe:  fmt.Sprintf("csv (%s, %s)", csvPath, learned.Path()),
		}, nil
	default:
		store, err := storage.Open(cfg.DataDir)
		if err != nil {
			return stores{}, err
		}
		return stores{
			records:   store,
			knowledge: store,
			describe:  fmt.Sprintf("sqlite (%s)", filepath.Join(cfg.DataDir, "frontdesk.db")),
		}, nil
	}
}

func newNotifier(cfg config.TwilioConfig, logger *slog.Logger) notify.Notifier {
	client, err := sms.NewClient(sms.Config{
		AccountSID: cfg.AccountSID,
		AuthToken:  cfg.AuthToken,
		FromNumber: cfg.FromNumber,
		BaseURL:    cfg.BaseURL,
	})
	if err != nil {
		logger.Warn("SMS disabled, answers stay queued until credentials are set", "error", err)
		return sms.LogNotifier{Logger: logger}
	}
	return client
}

func runServer(withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionLine())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.SlogLevel())); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice against the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("frontdesk is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("frontdesk is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := st.records.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	slog.Info("storage opened", "backend", st.describe)

	dispatcher := notify.NewDispatcher(st.records, newNotifier(cfg.Twilio, logger), metrics.NotifyObserver{})
	coord := escalation.NewCoordinator(st.records, escalation.Options{
		PollInterval: cfg.Escalation.PollInterval,
		MaxWait:      cfg.Escalation.MaxWait,
		Kicker:       dispatcher,
		Observer:     metrics.EscalationObserver{},
		Logger:       logger,
	})
	compactor := knowledge.NewCompactor(st.records, st.knowledge, coord)

	// Deliver anything left over from the previous run, then fold answered
	// questions into long-term knowledge while no call is waiting.
	if sent, err := dispatcher.Run(ctx); err != nil {
		slog.Warn("startup notification sweep failed", "error", err)
	} else if sent > 0 {
		slog.Info("startup notifications sent", "count", sent)
	}
	if n, err := compactor.Compact(ctx); err != nil {
		slog.Warn("startup compaction failed", "error", err)
	} else if n > 0 {
		metrics.Archived.Add(float64(n))
		slog.Info("answered questions archived", "count", n)
	}

	sched, err := notify.NewScheduler(cfg.Notify.Schedule, dispatcher)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	handler := api.NewAppHandler(api.AppDeps{
		Records:    st.records,
		Knowledge:  st.knowledge,
		Resolver:   coord,
		Dispatcher: dispatcher,
		Compactor:  compactor,
		Token:      apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		dispatcher.Loop(gctx)
		return nil
	})

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "frontdesk listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Records:   st.records,
			Knowledge: st.knowledge,
			Resolver:  coord,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
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
		printError("frontdesk is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop frontdesk (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to frontdesk (PID %d)", pid)
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

	printStatus("Backend", "%s", cfg.Storage.Backend)
	if cfg.Twilio.Configured() {
		printStatus("SMS", "twilio from %s", cfg.Twilio.FromNumber)
	} else {
		printStatus("SMS", "not configured (dry run)")
	}
	printStatus("Wait window", "%s (poll every %s)", cfg.Escalation.MaxWait, cfg.Escalation.PollInterval)

	if running {
		token, err := config.GetAPIToken(config.NewSecretStore())
		if err == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: client}
			var stats storage.Stats
			if r, err := c.get(context.Background(), "/api/stats"); err == nil && decodeJSON(r, &stats) == nil {
				printStatus("Questions", "%d total, %d answered, %d pending", stats.Total, stats.Answered, stats.Unanswered)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
