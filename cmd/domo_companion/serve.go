package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/domo_companion/internal/api"
	"github.com/dgnsrekt/domo_companion/internal/browser"
	"github.com/dgnsrekt/domo_companion/internal/clipboard"
	"github.com/dgnsrekt/domo_companion/internal/controller"
	"github.com/dgnsrekt/domo_companion/internal/detect"
	"github.com/dgnsrekt/domo_companion/internal/events"
	"github.com/dgnsrekt/domo_companion/internal/favicon"
	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/journal"
	"github.com/dgnsrekt/domo_companion/internal/netutil"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
	"github.com/dgnsrekt/domo_companion/internal/store"
	"github.com/dgnsrekt/domo_companion/internal/tabcontext"
	"github.com/dgnsrekt/domo_companion/internal/tabwatch"
)

const watcherRetryDelay = 2 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the companion: tab watcher, clipboard observer and HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("launch-browser", false, "Start a browser with remote debugging when none answers (overrides COMPANION_LAUNCH_BROWSER)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("launch-browser") {
		cfg.LaunchBrowser, _ = cmd.Flags().GetBool("launch-browser")
	}

	slog.Info("companion config loaded",
		"cdp_url", cfg.CDPURL(),
		"host_suffix", cfg.HostSuffix,
		"bind_addr", cfg.BindAddr,
		"port_candidates", cfg.PortCandidates,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"clipboard_poll_ms", cfg.ClipboardPollMS,
		"favicon_enabled", cfg.FaviconEnabled,
		"db_path", cfg.DBPath,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
		})
		if err := launcher.Launch(ctx); err != nil {
			return err
		}
		defer launcher.Stop()
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	broker := events.NewBroker()
	jw := journal.Open(cfg.JournalDir, journal.DefaultBufferSize)
	defer func() {
		if err := jw.Close(); err != nil {
			slog.Warn("journal close failed", "error", err)
		}
	}()

	client := inpage.NewClient(cfg.CDPURL(), cfg.HostSuffix, cfg.EvalTimeout())
	if err := client.Connect(ctx); err != nil {
		slog.Warn("CDP not reachable yet, will retry on demand", "cdp_url", cfg.CDPURL(), "error", err)
	}
	defer func() { _ = client.Close() }()

	det := detect.New(objecttype.Default(), cfg.HostSuffix, cfg.ExcludedHosts)
	cache := tabcontext.New(det, client, tabcontext.Options{
		Store:        st,
		Broker:       broker,
		Journal:      jw,
		WaitAttempts: cfg.WaitAttempts,
		WaitInterval: cfg.WaitInterval(),
		ProbeDOM:     true,
	})
	defer cache.Close()

	if !clipboard.Supported() {
		slog.Warn("no clipboard utility found; clipboard features will fail")
	}
	clip := clipboard.NewObserver(clipboard.System{}, st, broker, cfg.ClipboardPoll())
	icons := favicon.NewEngine(st, client, cfg.HostSuffix, cfg.ExcludedHosts)

	watchOpts := tabwatch.Options{}
	if cfg.FaviconEnabled {
		watchOpts.Icons = icons
	}
	watcher := tabwatch.New(cfg.CDPURL(), cache, watchOpts)

	svc := controller.NewService(controller.Deps{
		Detector:  det,
		Tabs:      client,
		Cache:     cache,
		Clipboard: clip,
		Favicons:  icons,
		Store:     st,
	})

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: api.NewServer(svc, broker), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ln.Addr().String()
		slog.Info("companion listening", "addr", addr, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("companion shutdown failed", "error", err)
		}
		return nil
	})
	g.Go(func() error { return clip.Run(gctx) })
	g.Go(func() error {
		runWatcher(gctx, watcher)
		return nil
	})
	if cfg.FaviconEnabled && cfg.FaviconRulesFile != "" {
		g.Go(func() error {
			if err := icons.WatchRulesFile(gctx, cfg.FaviconRulesFile); err != nil {
				slog.Warn("favicon rules file not watched", "path", cfg.FaviconRulesFile, "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if dropped := jw.Dropped(); dropped > 0 {
		slog.Warn("journal records dropped", "count", dropped)
	}
	slog.Info("companion stopped")
	return err
}

// runWatcher keeps the tab watcher attached, reconnecting after the browser
// goes away until ctx is done.
func runWatcher(ctx context.Context, w *tabwatch.Watcher) {
	for {
		err := w.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("tab watcher stopped, retrying", "error", err, "delay", watcherRetryDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(watcherRetryDelay):
		}
	}
}
