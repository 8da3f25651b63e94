package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/kalambet/searchpulse/internal/api"
	"github.com/kalambet/searchpulse/internal/config"
	"github.com/kalambet/searchpulse/internal/storage"
	"github.com/kalambet/searchpulse/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the review API, the job worker and the daily scheduler (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running searchpulse server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and ingestion status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools over stdin/stdout")
}

// scheduleEvery is how often serve re-checks whether today's daily runs
// have been enqueued.
const scheduleEvery = time.Hour

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "searchpulse.pid")
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

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "searchpulse version %s\n", version)

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	if cfg.Server.Token == "" {
		return fmt.Errorf("missing API token: set SEARCHPULSE_API_TOKEN or run `searchpulse config set server.token <token>`")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("searchpulse is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := api.NewAppHandler(api.AppDeps{
		Store:    a.store,
		Insights: a.insights,
		Actions:  a.actions,
		Token:    cfg.Server.Token,
		Logger:   slog.Default(),
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.pool().Run(gctx)
	})

	g.Go(func() error {
		runScheduler(gctx, worker.NewScheduler(a.store, slog.Default()), a)
		return nil
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:    a.store,
			Insights: a.insights,
			Actions:  a.actions,
			Version:  version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "searchpulse listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runScheduler enqueues today's runs at startup and then hourly. Enqueueing
// is idempotent per day, so repeats only pick up a new day.
func runScheduler(ctx context.Context, sched *worker.Scheduler, a *app) {
	tick := func() {
		props, err := a.properties("")
		if err != nil {
			slog.Warn("no properties to schedule", "error", err)
			return
		}
		if _, err := sched.EnqueueDaily(ctx, props); err != nil {
			slog.Error("scheduling daily runs failed", "error", err)
		}
	}

	tick()
	t := time.NewTicker(scheduleEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick()
		}
	}
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
		printError("searchpulse is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop searchpulse (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to searchpulse (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := newClientFor(cfg)
	if !client.healthy(ctx) {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	var marks []storage.Watermark
	resp, err := client.get(ctx, "/watermarks")
	if err == nil && decodeJSON(resp, &marks) == nil {
		for _, m := range marks {
			printStatus(m.Property+" "+m.Source, "%s through %s (%d rows)", m.Status, storage.FormatDay(m.LastDate), m.RowsLoaded)
		}
	}

	var open []storage.Action
	resp, err = client.get(ctx, "/actions?status=pending&limit=100")
	if err == nil && decodeJSON(resp, &open) == nil {
		printStatus("Pending actions", "%s", countLabel(len(open), 100))
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
