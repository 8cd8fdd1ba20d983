// Command socks5d is the process entry point: it loads YAML
// configuration, assigns outbound IPv6 addresses to the configured
// interface, starts one epoll-driven listener per proxy entry, and
// serves Prometheus metrics until a shutdown signal arrives. It replaces
// the teacher's flag-based main.go with a cobra command, the way the
// rest of the retrieval pack's daemons structure their CLIs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ealireza/socks5d/internal/config"
	"github.com/ealireza/socks5d/internal/connect"
	"github.com/ealireza/socks5d/internal/ipv6"
	"github.com/ealireza/socks5d/internal/netif"
	"github.com/ealireza/socks5d/internal/netpoll"
	"github.com/ealireza/socks5d/internal/server"
)

var (
	configPath string
	testConfig bool
)

func main() {
	root := &cobra.Command{
		Use:           "socks5d",
		Short:         "Event-driven SOCKS5 proxy with per-listener outbound IPv6 pools",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "path to YAML config file")
	root.Flags().BoolVarP(&testConfig, "test", "t", false, "validate configuration and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "socks5d: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		if testConfig {
			return fmt.Errorf("configuration test FAILED: %w", err)
		}
		return err
	}

	if testConfig {
		fmt.Printf("configuration file %s test OK\n", configPath)
		fmt.Printf("  interface: %s\n", cfg.Interface)
		fmt.Printf("  proxies:   %d\n", len(cfg.Proxies))
		for _, entry := range cfg.Proxies {
			fmt.Printf("    socks5://0.0.0.0:%-5d -> %v\n", entry.Port, entry.IPv6)
		}
		return nil
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	root := logrus.NewEntry(log)

	root.WithFields(logrus.Fields{
		"proxies":    len(cfg.Proxies),
		"interface":  cfg.Interface,
		"gomaxprocs": runtime.GOMAXPROCS(0),
	}).Info("loaded configuration")

	pools := make([]*ipv6.Pool, 0, len(cfg.Proxies))
	for _, entry := range cfg.Proxies {
		pool, err := ipv6.NewPool(entry.IPv6)
		if err != nil {
			return fmt.Errorf("proxy on port %d: %w", entry.Port, err)
		}
		pools = append(pools, pool)
	}

	if runtime.GOOS == "linux" {
		if err := netif.EnsureAddresses(cfg.Interface, pools, root); err != nil {
			return fmt.Errorf("ensuring IPv6 addresses: %w", err)
		}
	} else {
		root.Info("skipping IPv6 address assignment (not Linux)")
	}

	reg := prometheus.NewRegistry()
	if err := connect.Metrics().Register(reg); err != nil {
		return fmt.Errorf("registering relay metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(cfg.Proxies))

	for i, entry := range cfg.Proxies {
		entry := entry
		pool := pools[i]
		entryLog := root.WithField("port", entry.Port)

		portReg := prometheus.WrapRegistererWith(prometheus.Labels{"port": fmt.Sprint(entry.Port)}, reg)
		srv, poller, err := startListener(entry, pool, portReg, entryLog)
		if err != nil {
			return fmt.Errorf("proxy on port %d: %w", entry.Port, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			runLoop(ctx, srv, poller, entryLog)
			if ctx.Err() == nil {
				errCh <- fmt.Errorf("proxy on port %d: poll loop stopped", entry.Port)
			}
		}()
		defer srv.Close()
		defer poller.Close()
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			root.WithField("addr", cfg.MetricsAddr).Info("serving metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				root.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer metricsSrv.Close()
	}

	root.Info("all proxies running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var fatal error
	select {
	case sig := <-sigCh:
		root.WithField("signal", sig).Info("received signal, shutting down")
	case fatal = <-errCh:
		root.WithError(fatal).Error("fatal listener error, shutting down")
	}

	cancel()
	wg.Wait()
	return fatal
}

// startListener builds the epoll poller, non-blocking listener, and
// connect.Handler for one proxy entry, and registers the listener fd
// for read readiness.
func startListener(entry config.ProxyEntry, pool *ipv6.Pool, reg prometheus.Registerer, log *logrus.Entry) (*server.Server, *netpoll.Poller, error) {
	poller, err := netpoll.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create poller: %w", err)
	}

	srv, err := server.New(server.Config{
		ListenAddr: fmt.Sprintf(":%d", entry.Port),
		Backlog:    entry.Backlog,
		Log:        log,
	}, poller)
	if err != nil {
		poller.Close()
		return nil, nil, err
	}

	handler := connect.NewHandler(pool, log)
	srv.SetRequestHandler(handler.Handle)

	if err := srv.Register(reg); err != nil {
		poller.Close()
		return nil, nil, fmt.Errorf("register metrics: %w", err)
	}

	if err := poller.SubscribeListenerRead(srv.ListenFD()); err != nil {
		poller.Close()
		return nil, nil, fmt.Errorf("subscribe listener: %w", err)
	}
	if err := srv.Listen(); err != nil {
		poller.Close()
		return nil, nil, err
	}

	log.WithField("sources", pool.Addrs()).Info("listening")
	return srv, poller, nil
}

// runLoop is the single-threaded poll loop spec.md §5 requires: one
// goroutine per listener, calling Wait/ProcessIOEvents in lockstep and
// never touching srv's registry from anywhere else. A deadline sweep
// runs once per second on the same goroutine, so SweepDeadlines' own
// registry mutation never races ProcessIOEvents either.
func runLoop(ctx context.Context, srv *server.Server, poller netpoll.Notifier, log *logrus.Entry) {
	// Pin this poll loop to its OS thread: the registry and poller are
	// touched only from here, and pinning keeps the epoll fd's thread
	// affinity stable across the life of the listener.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := poller.Wait(250)
		if err != nil {
			log.WithError(err).Warn("poller wait failed")
			return
		}
		if err := srv.ProcessIOEvents(events); err != nil {
			log.WithError(err).Debug("batch had per-connection errors")
		}

		select {
		case now := <-ticker.C:
			srv.SweepDeadlines(now)
		default:
		}
	}
}
