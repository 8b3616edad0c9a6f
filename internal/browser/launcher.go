// Package browser starts a Chromium with remote debugging when none is
// listening on the configured CDP endpoint.
package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
)

type Config struct {
	CDPAddress string
	CDPPort    int
	StartURL   string
	ProfileDir string
	// ReadyTimeout bounds the wait for the CDP endpoint after launch.
	ReadyTimeout time.Duration
}

// Launcher manages the lifecycle of a browser process it started.
type Launcher struct {
	cfg    Config
	client *http.Client
	cmd    *exec.Cmd
}

func NewLauncher(cfg Config) *Launcher {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	if cfg.ProfileDir == "" {
		cfg.ProfileDir = "./data/chromium-profile"
	}
	return &Launcher{cfg: cfg, client: &http.Client{Timeout: time.Second}}
}

func (l *Launcher) versionURL() string {
	return "http://" + l.cfg.CDPAddress + ":" + strconv.Itoa(l.cfg.CDPPort) + "/json/version"
}

// Probe returns the browser's product string when the CDP endpoint answers.
func (l *Launcher) Probe(ctx context.Context) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.versionURL(), nil)
	if err != nil {
		return "", false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || resp.StatusCode != http.StatusOK {
		return "", false
	}
	if !gjson.GetBytes(body, "webSocketDebuggerUrl").Exists() {
		return "", false
	}
	return gjson.GetBytes(body, "Browser").String(), true
}

func detectBrowser() (string, error) {
	candidates := []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		for _, p := range []string{
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		} {
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("no supported browser found (tried %v)", candidates)
}

func launchArgs(cfg Config) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(cfg.CDPPort),
		"--remote-debugging-address=" + cfg.CDPAddress,
		"--user-data-dir=" + cfg.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
	}
	if cfg.StartURL != "" {
		args = append(args, cfg.StartURL)
	}
	return args
}

// Launch starts the browser unless the CDP endpoint already answers.
func (l *Launcher) Launch(ctx context.Context) error {
	if product, ok := l.Probe(ctx); ok {
		slog.Info("browser already running, skipping launch", "browser", product, "port", l.cfg.CDPPort)
		return nil
	}

	browserPath, err := detectBrowser()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	l.cmd = exec.Command(browserPath, launchArgs(l.cfg)...)
	if err := l.cmd.Start(); err != nil {
		l.cmd = nil
		return fmt.Errorf("start browser: %w", err)
	}
	slog.Info("browser process started", "path", browserPath, "pid", l.cmd.Process.Pid)

	if err := l.WaitReady(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	return nil
}

// WaitReady polls the CDP endpoint until it answers or ReadyTimeout passes.
func (l *Launcher) WaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if product, ok := l.Probe(ctx); ok {
			slog.Info("CDP endpoint ready", "browser", product, "port", l.cfg.CDPPort)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("CDP not ready at %s: %w", l.versionURL(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Running reports whether this launcher owns a browser process.
func (l *Launcher) Running() bool { return l.cmd != nil }

// Stop terminates a browser this launcher started, escalating to SIGKILL.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	slog.Info("stopping browser", "pid", l.cmd.Process.Pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL")
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.cmd = nil
}
