package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"grantmarket/internal/config"
	apphttp "grantmarket/internal/http"
	"grantmarket/internal/http/handlers"
	applog "grantmarket/internal/log"
	"grantmarket/internal/notify"
	"grantmarket/internal/repos"
)

var rootCmd = &cobra.Command{
	Use:   "grantmarket",
	Short: "Marketplace for invite links and access codes paid with x402",
	Long: `grantmarket sells single-use or capped invite links and access codes.
Sellers sign listings with their wallet; buyers pay in USDC over x402 and
receive the secret once the payment settles.`,
	RunE:         runServe,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Start the HTTP API (default)",
	RunE:         runServe,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging points the structured logger at console and, if configured,
// the log file. The returned func closes the file.
func setupLogging(cfg config.Config, console io.Writer) (func(), error) {
	closeFn := func() {}
	writers := []io.Writer{console}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("[warn] could not open log file %s: %v", cfg.LogFile, err)
		} else {
			writers = append(writers, f)
			closeFn = func() { _ = f.Close() }
		}
	}
	if err := applog.Init(cfg.LogLevel, writers...); err != nil {
		closeFn()
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return closeFn, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer closeLog()
	defer applog.Sync()

	db, err := repos.OpenDB(cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	n := notify.New(cfg.DiscordWebhookURL, cfg.NotifyQueueSize, cfg.PublicBaseURL)
	deps := handlers.NewDeps(db, cfg, handlers.Externals{Notify: n})
	app := apphttp.NewApp(deps, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- app.Listen(":" + cfg.Port) }()
	applog.Event("server.start", map[string]any{"port": cfg.Port, "chains": cfg.SupportedChains})

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		applog.Fail("server.shutdown", err, nil)
	}
	// queued notifications get the rest of the shutdown budget
	if err := n.Close(shutdownCtx); err != nil {
		applog.Fail("notify.close", err, nil)
	}
	applog.Event("server.stop", nil)
	return nil
}
