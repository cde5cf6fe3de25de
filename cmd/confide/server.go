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
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/arnberg/confide/internal/api"
	"github.com/arnberg/confide/internal/model"
	"github.com/arnberg/confide/internal/pipeline"
	"github.com/arnberg/confide/internal/storage"
	"github.com/arnberg/confide/internal/train"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the confide server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the Model Context Protocol over stdio",
	Long: `Serve the Model Context Protocol over stdio.

For MCP clients that spawn their servers, e.g. in a desktop assistant config:
  {"command": "confide", "args": ["mcp"]}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCPStdio()
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the confide server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return startServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running confide server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show confide system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "confide.pid")
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

// setupLogging installs the default slog logger on stderr at the configured
// level.
func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// loadHolder opens the saved artifact into a fresh holder. A missing or
// unreadable artifact leaves the holder empty; the server still starts and a
// retrain can fill it later.
func loadHolder(modelPath string) *pipeline.Holder {
	holder := &pipeline.Holder{}
	art, err := model.Load(modelPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("no model yet; train one or queue a retrain", "path", modelPath)
		} else {
			slog.Warn("loading model failed", "path", modelPath, "error", err)
		}
		return holder
	}
	p, err := pipeline.New(art)
	if err != nil {
		slog.Warn("building pipeline failed", "model_id", art.Meta.ID, "error", err)
		return holder
	}
	holder.Swap(p)
	slog.Info("model loaded",
		"model_id", art.Meta.ID,
		"intents", art.Meta.Intents,
		"variants", art.Meta.Variants,
	)
	return holder
}

func runServe() error {
	fmt.Fprintf(os.Stderr, "confide version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/api/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("confide is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("confide is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	holder := loadHolder(cfg.ModelPath())

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:  store,
		Models: holder,
		Token:  cfg.Server.APIToken,
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Start retrain worker.
	worker := train.NewWorker(store, holder, cfg.CorpusPath(), cfg.ModelPath(), cfg.Settings(), 2*time.Second)
	go worker.Run(ctx)

	// Build MCP server and serve it over a local TCP port, one session per
	// connection.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Models: holder})
	mcpLn, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Server.MCPPort))
	if err != nil {
		return fmt.Errorf("listening for MCP on port %d: %w", cfg.Server.MCPPort, err)
	}
	go func() {
		<-ctx.Done()
		mcpLn.Close()
	}()
	go func() {
		for {
			conn, err := mcpLn.Accept()
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("MCP accept error", "error", err)
				}
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if err := server.NewStdioServer(mcpSrv).Listen(ctx, c, c); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("MCP session error", "error", err)
				}
			}(conn)
		}
	}()
	slog.Info("MCP server listening", "addr", mcpLn.Addr().String())

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "confide listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCPStdio() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Stdout carries the protocol; logs must stay on stderr.
	setupLogging(cfg.Log.Level)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	holder := loadHolder(cfg.ModelPath())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Models: holder})
	if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func startServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/api/health", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}
	if resp, err := client.Get(healthURL); err == nil {
		resp.Body.Close()
		printWarning("confide is already running on port %d", cfg.Server.Port)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating binary: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	logPath := filepath.Join(cfg.Storage.DataDir, "confide.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	childArgs := []string{"serve"}
	if cfgPath != "" {
		childArgs = append(childArgs, "--config", cfgPath)
	}
	child := exec.Command(exe, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	pid := child.Process.Pid
	if err := child.Process.Release(); err != nil {
		return fmt.Errorf("detaching server process: %w", err)
	}

	printStep("Waiting for the server to come up")
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if resp, err := client.Get(healthURL); err == nil {
			resp.Body.Close()
			printSuccess("confide started (PID %d) on port %d", pid, cfg.Server.Port)
			printStatus("Logs", "%s", logPath)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("server did not become ready; check %s", logPath)
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("confide is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		// The process is gone but its PID file survived a crash.
		removePIDFile(pidPath)
		printWarning("removed stale PID file (process %d is not running)", pid)
		return nil
	}

	printSuccess("Sent stop signal to confide (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	var health struct {
		Status      string `json:"status"`
		ModelLoaded bool   `json:"model_loaded"`
		ModelID     string `json:"model_id"`
	}
	running := false
	resp, err := client.Get(serverURL + "/api/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
			json.NewDecoder(resp.Body).Decode(&health)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
		resp.Body.Close()
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if pid, pidErr := readPIDFile(pidPath); pidErr == nil && !running {
		printWarning("stale PID file (%d) at %s", pid, pidPath)
	}

	switch {
	case running && health.ModelLoaded:
		printStatus("Model", "%s (live)", health.ModelID)
	case running:
		printStatus("Model", "none loaded (run `confide train`, then `confide retrain`)")
	default:
		if art, err := model.Load(cfg.ModelPath()); err == nil {
			printStatus("Model", "%s (%d intents, %d variants)", art.Meta.ID, art.Meta.Intents, art.Meta.Variants)
		} else {
			printStatus("Model", "none (run `confide train`)")
		}
	}

	if running {
		printStatus("MCP", "port %d", cfg.Server.MCPPort)
		interResp, err := apiGet(client, serverURL+"/api/interactions?limit=100", cfg.Server.APIToken)
		if err == nil {
			if interResp.StatusCode == http.StatusOK {
				var interactions []json.RawMessage
				if json.NewDecoder(interResp.Body).Decode(&interactions) == nil {
					printStatus("Interactions", "%s", countLabel(len(interactions), 100))
				}
			}
			interResp.Body.Close()
		}
	}

	printStatus("Corpus", "%s", cfg.CorpusPath())
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return client.Do(req)
}
