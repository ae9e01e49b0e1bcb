// Command charond serves package retrieval requests over HTTP and websockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/charon"
	"github.com/meigma/charon/cache/disk"
	"github.com/meigma/charon/core"
	"github.com/meigma/charon/transport/ws"
)

func main() {
	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load() //nolint:errcheck // optional file

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "charond:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stderr io.Writer) error {
	cfg, err := loadConfig(args, getenv, stderr)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, stderr)
	if err != nil {
		return err
	}

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

// daemon holds the wired components of one charond process.
type daemon struct {
	cfg     Config
	logger  *slog.Logger
	service *charon.Service
	server  *ws.Server
	http    *http.Server
}

func newDaemon(cfg Config, logger *slog.Logger) (*daemon, error) {
	reg := core.NewRegistry()
	opener := core.PackageOpener(
		core.WithLogger(logger),
		core.WithStrictManifests(cfg.StrictManifests),
		core.WithMaxEntrySize(uint64(cfg.MaxEntrySize)), //nolint:gosec // validated non-negative
	)
	for _, ext := range cfg.Extensions {
		reg.Register(ext, opener)
	}

	var files core.Opener = reg
	if cfg.Root != "" {
		rooted, err := core.NewRootedOpener(cfg.Root, reg)
		if err != nil {
			return nil, err
		}
		files = rooted
		logger.Info("package files confined", "root", rooted.Root())
	}

	loopback := isLoopbackAddr(cfg.Listen)
	server := ws.New(ws.WithLogger(logger), ws.WithCheckOrigin(originChecker(cfg.AllowedOrigins, loopback)))

	opts := []charon.Option{
		charon.WithLogger(logger),
		charon.WithMaxEntrySize(uint64(cfg.MaxEntrySize)), //nolint:gosec // validated non-negative
	}
	if cfg.MaxJobs > 0 {
		opts = append(opts, charon.WithMaxConcurrentJobs(cfg.MaxJobs))
	}
	if cfg.CacheDir != "" {
		c, err := disk.New(cfg.CacheDir, disk.WithMaxBytes(int64(cfg.CacheSize)), disk.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("cache %s: %w", cfg.CacheDir, err)
		}
		opts = append(opts, charon.WithCache(c))
		logger.Info("entry cache enabled", "dir", cfg.CacheDir, "max_bytes", c.MaxBytes(), "size", c.SizeBytes())
	}

	svc, err := charon.New(files, server, opts...)
	if err != nil {
		return nil, err
	}
	server.Bind(svc)

	handler := server.Handler()
	if loopback {
		handler = hostGuard(handler, logger)
	}

	return &daemon{
		cfg:     cfg,
		logger:  logger,
		service: svc,
		server:  server,
		http: &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// run serves until ctx is done, then shuts the HTTP server and the request
// service down.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.service.Serve(gctx)
	})
	g.Go(func() error {
		d.logger.Info("listening", "addr", d.cfg.Listen, "extensions", d.cfg.Extensions)
		if err := d.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		d.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), d.cfg.ShutdownTimeout)
		defer cancel()
		err := d.http.Shutdown(shutdownCtx)
		d.server.Close()
		return err
	})
	return g.Wait()
}

// originChecker accepts same-origin upgrades plus the listed origins.
// A "*" entry accepts any origin. When loopback is set the Host header must
// also name a loopback address, which defeats DNS rebinding of the origin.
func originChecker(allowed []string, loopback bool) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if loopback && !isLoopbackHost(r.Host) {
			return false
		}
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// hostGuard rejects requests whose Host header is not a loopback name.
func hostGuard(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackHost(r.Host) {
			logger.Warn("rejecting request for foreign host", "host", r.Host, "remote", r.RemoteAddr)
			http.Error(w, "forbidden host", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isLoopbackAddr reports whether a listen address binds only loopback.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return isLoopbackName(host)
}

// isLoopbackHost reports whether a Host header value names a loopback address.
func isLoopbackHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	return isLoopbackName(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"))
}

func isLoopbackName(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// newLogger builds the process logger for level and format ("text" or "json").
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
