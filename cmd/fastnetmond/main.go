// Command fastnetmond is the main entry point for the flow-telemetry DDoS
// detection daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fastnetmon/fastnetmon-core/internal/config"
	"github.com/fastnetmon/fastnetmon-core/internal/runtime"
)

// Exit codes (spec §6): 0 clean shutdown, 64 configuration error at
// startup, 69 bind failure, 70 unexpected fatal.
const (
	exitOK          = 0
	exitConfigError = 64
	exitBindFailure = 69
	exitFatal       = 70
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/fastnetmon/config.yaml", "Path to configuration file")
		apiListen  = flag.String("api-listen", "", "Override HTTP API listen address")
		logLevel   = flag.String("log-level", "", "Override log level (debug/info/warn/error)")
		showVer    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("fastnetmond %s (built %s)\n", version, buildTime)
		os.Exit(exitOK)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfigError)
	}

	if *apiListen != "" {
		cfg.APIListen = *apiListen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(exitFatal)
	}
	defer log.Sync()

	log.Info("fastnetmond starting",
		zap.String("version", version),
		zap.String("api_listen", cfg.APIListen),
		zap.String("metrics_listen", cfg.MetricsListen),
		zap.Int("sources", len(cfg.Sources)),
	)

	rt, err := runtime.New(log, cfg, *configPath)
	if err != nil {
		log.Error("failed to construct runtime", zap.Error(err))
		os.Exit(exitBindFailure)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		log.Error("failed to start runtime", zap.Error(err))
		os.Exit(exitBindFailure)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			log.Info("received SIGHUP, reloading configuration")
			if err := rt.Reload(); err != nil {
				log.Error("configuration reload failed, continuing with previous configuration", zap.Error(err))
			}
			continue
		}

		log.Info("received signal, shutting down...", zap.String("signal", sig.String()))
		break
	}

	cancel()
	rt.Stop()

	log.Info("fastnetmond stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.LoadFromFile(path)
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}
