package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/cayde/foreman/internal/agent"
	"github.com/cayde/foreman/internal/config"
	"github.com/cayde/foreman/internal/dispatch"
	"github.com/cayde/foreman/internal/orchestrator"
	"github.com/cayde/foreman/internal/provider"
)

type onceResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func main() {
	repoPath := flag.String("repo", ".", "repository root path")
	configPath := flag.String("config", "", "path to a foreman.toml config file")
	mode := flag.String("mode", "serve", "execution mode: serve|once")
	method := flag.String("method", "", "method for once mode")
	params := flag.String("params", "{}", "JSON params for once mode")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := newLogger(cfg.LogLevel)

	service, err := orchestrator.NewService(*repoPath, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize service: %v\n", err)
		os.Exit(1)
	}
	defer service.Close()

	switch strings.ToLower(*mode) {
	case "once":
		runOnce(service, *method, *params)
	case "serve":
		runServe(service, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "invalid mode: %s\n", *mode)
		os.Exit(2)
	}
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

// runOnce performs a single gateway call and prints the result as indented
// JSON, for scripting and debugging against a live state db.
func runOnce(service *orchestrator.Service, method, params string) {
	if strings.TrimSpace(method) == "" {
		fmt.Fprintln(os.Stderr, "--method is required when mode=once")
		os.Exit(2)
	}

	paramBytes := []byte(params)
	if len(strings.TrimSpace(params)) == 0 {
		paramBytes = []byte("{}")
	}

	result, err := service.Handle(context.Background(), method, paramBytes)
	response := onceResponse{Result: result}
	if err != nil {
		response.Error = err.Error()
	}

	encoded, marshalErr := json.MarshalIndent(response, "", "  ")
	if marshalErr != nil {
		fmt.Fprintf(os.Stderr, "failed to encode response: %v\n", marshalErr)
		os.Exit(1)
	}
	fmt.Println(string(encoded))

	if err != nil {
		os.Exit(1)
	}
}

// runServe runs the dispatcher loop until SIGINT/SIGTERM, then drains
// in-flight jobs before exiting.
func runServe(service *orchestrator.Service, cfg config.Config, logger *logrus.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := buildDispatcher(service, cfg, logger)
	if err := dispatcher.Run(ctx); err != nil {
		logger.WithError(err).Error("dispatcher exited with error")
		os.Exit(1)
	}
}

func buildDispatcher(service *orchestrator.Service, cfg config.Config, logger logrus.FieldLogger) *dispatch.Dispatcher {
	providers := provider.NewManager()
	runner := agent.NewRunner(providers, logger)
	retry := agent.NewRetryController(agent.RetryPolicy{
		MaxAttempts:         cfg.Retry.MaxAttempts,
		InitialInterval:     cfg.Retry.InitialInterval.Duration,
		MaxInterval:         cfg.Retry.MaxInterval.Duration,
		RandomizationFactor: cfg.Retry.RandomizationFactor,
	}, logger)

	return dispatch.NewDispatcher(service.Store(), runner, retry, service.Engine(), dispatch.Config{
		MaxConcurrency:       cfg.Worker.MaxConcurrency,
		PollInterval:         cfg.Worker.PollInterval.Duration,
		DispatchDelay:        cfg.Worker.DispatchDelay.Duration,
		TestGenDispatchDelay: cfg.Worker.TestGenDispatchDelay.Duration,
		DispatchJitter:       cfg.Worker.DispatchJitter.Duration,
		AgentTimeout:         cfg.Agent.Timeout.Duration,
		LongStuckTimeout:     cfg.Worker.LongStuckTimeout.Duration,
		ShortStuckTimeout:    cfg.Worker.ShortStuckTimeout.Duration,
		WorkDir:              service.RepoPath(),
	}, logger)
}
