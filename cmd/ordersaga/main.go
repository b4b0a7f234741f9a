package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/version"
)

const defaultShutdownTimeout = 30 * time.Second

// options holds the command line. Zero values mean "not given" and leave the loaded
// configuration alone.
type options struct {
	configPath string
	version    bool

	appName  string
	port     int
	logLevel string
	debug    bool
	demo     int
}

func parseFlags(args []string, out io.Writer) (*options, error) {
	var o options
	fs := flag.NewFlagSet("ordersaga", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&o.configPath, "config", "", "Path to configuration file (default $"+config.ConfigPathEnv+")")
	fs.BoolVar(&o.version, "version", false, "Print version information")
	fs.StringVar(&o.appName, "app-name", "", "Override app name")
	fs.IntVar(&o.port, "port", 0, "Override server port")
	fs.StringVar(&o.logLevel, "log-level", "", "Override log level")
	fs.BoolVar(&o.debug, "debug", false, "Enable debug mode")
	fs.IntVar(&o.demo, "demo", 0, "Seed this many demo orders at startup")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return &o, nil
}

func usage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprint(w, "ordersaga - event-driven order saga over a message broker\n\n")
	fmt.Fprint(w, "Usage: ordersaga [options]\n\nOptions:\n")
	fs.PrintDefaults()
	fmt.Fprint(w, `
Examples:
  ordersaga                              # Run with default config
  ordersaga -config config.yaml          # Use a specific config file
  ordersaga -port 9090 -log-level debug  # Override single settings
  ordersaga -demo 3                      # Seed three demo orders
  ordersaga -version                     # Print version info
`)
}

// overrides turns the given flags into dotted config keys.
func (o *options) overrides() map[string]any {
	m := make(map[string]any)
	if o.appName != "" {
		m["app.name"] = o.appName
	}
	if o.port != 0 {
		m["server.port"] = o.port
	}
	if o.logLevel != "" {
		m["log.level"] = o.logLevel
	}
	if o.debug {
		m["app.debug"] = true
	}
	if o.demo > 0 {
		m["demo.enabled"] = true
		m["demo.orders"] = o.demo
	}
	return m
}

// watchedPath is the config file to watch for hot reloads, if any was named.
func (o *options) watchedPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return os.Getenv(config.ConfigPathEnv)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	switch {
	case errors.Is(err, flag.ErrHelp):
		return 0
	case err != nil:
		fmt.Fprintln(stderr, err)
		return 2
	}
	if opts.version {
		fmt.Fprintf(stdout, "ordersaga %s\n", version.Get())
		return 0
	}

	overrides := opts.overrides()
	cfg, err := config.NewLoader().Load(opts.configPath, overrides)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration:\n%s\n", err)
		return 1
	}

	log := newLogger(cfg, opts.debug)
	logger.SetGlobal(log)
	defer log.Close()

	build := version.Get()
	log.Info("Starting ordersaga",
		"version", build.Version,
		"gitCommit", build.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	application, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize", "error", err)
		return 1
	}

	if path := opts.watchedPath(); path != "" {
		watchConfig(ctx, path, cfg, overrides, log)
	}

	serverErr, err := application.Start(ctx)
	if err != nil {
		log.Error("Failed to start", "error", err)
		shutdown(application, cfg)
		return 1
	}
	log.Info("ordersaga is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"storage", cfg.Storage.Type,
		"broker", cfg.Broker.Type,
	)

	code := 0
	select {
	case <-ctx.Done():
		log.Info("Shutdown requested")
	case err := <-serverErr:
		log.Error("HTTP server error", "error", err)
		code = 1
	}

	shutdown(application, cfg)
	log.Info("ordersaga stopped")
	return code
}

func newLogger(cfg *config.Config, debug bool) logger.Logger {
	lc := &logger.Config{
		Level:   logger.ParseLevel(cfg.Log.Level),
		Format:  cfg.Log.Format,
		Output:  cfg.Log.Output,
		Service: cfg.App.Name,
	}
	if cfg.App.Debug || debug {
		lc.Level = logger.DebugLevel
	}
	return logger.New(lc)
}

// watchConfig applies hot-reloadable changes of path until ctx ends. A watcher that cannot
// start is logged and skipped.
func watchConfig(ctx context.Context, path string, cfg *config.Config, overrides map[string]any, log logger.Logger) {
	w, err := config.NewWatcher(path, cfg,
		config.WithOverrides(overrides),
		config.WithWatcherLogger(log),
	)
	if err != nil {
		log.Warn("Config watcher disabled", "path", path, "error", err)
		return
	}
	w.OnChange(config.ApplyLogLevel(log))
	go func() {
		defer w.Stop()
		if err := w.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Error("Config watcher stopped", "error", err)
		}
	}()
}

func shutdown(a *app, cfg *config.Config) {
	timeout := cfg.Server.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.Shutdown(ctx)
}
