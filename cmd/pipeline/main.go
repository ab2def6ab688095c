package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"commerce-pipeline/internal/app"
	"commerce-pipeline/internal/config"
	"commerce-pipeline/internal/ingest"
	"commerce-pipeline/internal/tui"

	"go.uber.org/zap"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides SERVER_ADDRESS)")
	useTUI := flag.Bool("tui", false, "show the ingest dashboard instead of the banner")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ServerAddress = *addr
	}
	if *useTUI {
		// keep the alt screen readable
		cfg.LogLevel = "error"
	}

	c, err := app.NewContainer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	// Create the indices up front so a misconfigured document store fails
	// here and not on the first batch.
	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.SearchTimeout)
	if err := c.Schema.EnsureIndices(startCtx); err != nil {
		c.Logger.Warn("index setup deferred to first batch", zap.Error(err))
	}
	startCancel()

	httpSrv := &http.Server{
		Handler:           c.Router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.SearchTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ServerAddress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	listenAddr := "http://" + ln.Addr().String()

	// Graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	var shutdownOnce sync.Once
	doShutdown := func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case <-sig:
			if !*useTUI {
				fmt.Println("\nShutting down...")
			}
			shutdownOnce.Do(doShutdown)
		case <-ctx.Done():
		}
	}()

	if *useTUI {
		eventCh := make(chan ingest.IngestEvent, 64)
		c.Ingest.SetOnIngest(func(evt ingest.IngestEvent) {
			select {
			case eventCh <- evt:
			default:
			}
		})

		serveErr := make(chan error, 1)
		go func() { serveErr <- httpSrv.Serve(ln) }()

		model := tui.NewModel(tui.Config{
			Version:    version,
			Backend:    c.Store.Name(),
			BackendURL: backendURL(cfg),
			RedisAddr:  cfg.RedisAddr,
			ListenAddr: listenAddr,
		}, eventCh, ctx, c.Ingest.ErrCount())
		if err := tui.Run(model); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		shutdownOnce.Do(doShutdown)
		if err := <-serveErr; err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	printBanner(listenAddr, c.Store.Name(), backendURL(cfg), cfg.RedisAddr)

	if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	shutdownOnce.Do(doShutdown)
}

func backendURL(cfg *config.Config) string {
	if cfg.SearchBackend == config.BackendMeiliSearch {
		return cfg.MeiliURL
	}
	return cfg.OpenSearchEndpoint
}

func printBanner(listenAddr, backend, backendURL, redisAddr string) {
	title := fmt.Sprintf("commerce-pipeline %s", version)
	sep := strings.Repeat("─", 64)
	fmt.Println(sep)
	fmt.Printf("  %s\n", title)
	fmt.Println(sep)
	fmt.Printf("  Documents:   %s (%s)\n", backend, backendURL)
	fmt.Printf("  Cache:       redis %s\n", redisAddr)
	fmt.Printf("  Listening:   %s\n", listenAddr)
	fmt.Println("  Endpoints:   POST /ingest  GET /stats /search /cache /user /analytics")
	fmt.Println("               GET /health /metrics /metrics/prometheus")
	fmt.Println(sep)
	fmt.Println("  Waiting for batches...")
	fmt.Println()
}
