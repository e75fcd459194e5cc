package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/tollmark/mileage/internal/config"
	"github.com/tollmark/mileage/internal/database"
	"github.com/tollmark/mileage/internal/dispatcher"
	"github.com/tollmark/mileage/internal/influx"
	"github.com/tollmark/mileage/internal/ledger"
	"github.com/tollmark/mileage/internal/logging"
	intOtel "github.com/tollmark/mileage/internal/otel"
)

// module defs - BuildDate can be set at build time via ldflags
var (
	CurrentVersion string = "0.0.1"
	BuildDate      string = "unknown"

	AppName string = "mileage_ledger"
)

// app holds the services of one CLI invocation.
type app struct {
	cfg       config.Config
	sessionID string

	slogManager *logging.SlogManager
	logger      *slog.Logger
	zlog        zerolog.Logger
	logFile     *os.File
	otelFile    *os.File
	otel        *intOtel.Provider

	db     *database.Manager
	influx *influx.Manager

	service    *ledger.Service
	dispatcher *dispatcher.Dispatcher
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	flags := pflag.NewFlagSet(AppName, pflag.ContinueOnError)
	configDir := flags.StringP("config", "c", ".", "directory holding "+config.FileName)
	logLevel := flags.String("log-level", "", "override the configured log level")
	flags.Usage = func() { usage(flags) }
	if err := flags.Parse(argv); err != nil {
		return 2
	}

	args := flags.Args()
	if len(args) == 0 {
		usage(flags)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, *configDir, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.close()

	if err := a.exec(ctx, args, os.Stdout); err != nil {
		a.logger.Error("Command failed", "command", args[0], "error", err)
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "%s %s (%s)\n\n", AppName, CurrentVersion, BuildDate)
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args]\n\nCommands:\n", AppName)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-24s %s\n", c.usage, c.help)
	}
	fmt.Fprintln(os.Stderr, "\nFlags:")
	flags.PrintDefaults()
}

func newApp(ctx context.Context, configDir, logLevel string) (*app, error) {
	sessionStart := time.Now()
	a := &app{
		sessionID:   uuid.NewString(),
		slogManager: logging.NewSlogManager(),
	}

	cfg, cfgErr := config.Load(configDir)
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	a.cfg = cfg

	logFile, err := logging.OpenLogFile(logging.LogFilePath(cfg.LogsDir, AppName, sessionStart))
	if err != nil {
		return nil, err
	}
	a.logFile = logFile

	if err := a.setupLogging(ctx, sessionStart); err != nil {
		a.close()
		return nil, err
	}
	if cfgErr != nil {
		a.logger.Warn("Failed to load config, using defaults!", "error", cfgErr)
	} else {
		a.logger.Info("Loaded config", "dir", configDir)
	}

	if err := a.setupStorage(ctx); err != nil {
		a.close()
		return nil, err
	}

	d, err := dispatcher.New(logging.NewCommandLogger(a.zlog.With().Str("component", "dispatcher").Logger(), ledgerWrites...))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}
	registerHandlers(d, a.service)
	a.dispatcher = d

	return a, nil
}

func (a *app) setupLogging(ctx context.Context, sessionStart time.Time) error {
	otelCfg := intOtel.Config{
		Enabled:        a.cfg.OTel.Enabled,
		ServiceName:    a.cfg.OTel.ServiceName,
		BatchTimeout:   a.cfg.OTel.BatchTimeout,
		Endpoint:       a.cfg.OTel.Endpoint,
		MetricEndpoint: a.cfg.OTel.MetricEndpoint,
		Insecure:       a.cfg.OTel.Insecure,
	}
	if a.cfg.OTel.Enabled {
		f, err := logging.OpenLogFile(logging.LogFilePath(a.cfg.LogsDir, AppName+".otel", sessionStart))
		if err != nil {
			return err
		}
		a.otelFile = f
		otelCfg.LogWriter = f
	}

	provider, err := intOtel.New(ctx, otelCfg)
	if err != nil {
		return fmt.Errorf("initializing otel: %w", err)
	}
	a.otel = provider

	a.slogManager.SetContextProvider(func() []slog.Attr {
		return []slog.Attr{slog.String("session", a.sessionID)}
	})
	a.slogManager.Setup(a.logFile, a.cfg.LogLevel, provider.LoggerProvider())
	a.logger = a.slogManager.Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(a.cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	a.zlog = zerolog.New(a.logFile).Level(level).With().
		Timestamp().
		Str("session", a.sessionID).
		Logger()
	return nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.influx != nil {
		if err := a.influx.Close(); err != nil {
			a.logger.Warn("Failed to close InfluxDB manager", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", "error", err)
		}
	}
	if a.otel != nil {
		if err := a.slogManager.Flush(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "flushing logs:", err)
		}
		if err := a.otel.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "shutting down otel:", err)
		}
	}
	if a.otelFile != nil {
		_ = a.otelFile.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
