package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voxgate-dev/voxgate/internal/agent"
	"github.com/voxgate-dev/voxgate/internal/calllog"
	"github.com/voxgate-dev/voxgate/internal/pipeline"
	"github.com/voxgate-dev/voxgate/internal/session"
	"github.com/voxgate-dev/voxgate/internal/speech"
	"github.com/voxgate-dev/voxgate/internal/switchctl"
	"github.com/voxgate-dev/voxgate/internal/tools"
	"github.com/voxgate-dev/voxgate/internal/tracing"
	"github.com/voxgate-dev/voxgate/internal/wire"
	"github.com/voxgate-dev/voxgate/pkg/config"
	"github.com/voxgate-dev/voxgate/pkg/observability"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	configFile  = flag.String("config", getEnv("CONFIG_FILE", "config/voxgate.yaml"), "Configuration file")
	metricsPort = flag.Int("metrics-port", 0, "Metrics/health port (overrides config)")
)

func main() {
	flag.Parse()

	log.Printf("Starting voxgate v%s", Version)

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Config: %v", err)
	}
	if *metricsPort != 0 {
		cfg.MetricsPort = *metricsPort
	}

	observability.InitMetrics()
	if err := tracing.Init(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPHeaders:  tracing.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
	}); err != nil {
		log.Fatalf("Tracing: %v", err)
	}

	store, err := session.NewRedisStore(session.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
	})
	if err != nil {
		log.Fatalf("Session store: %v", err)
	}

	callLog, err := calllog.New(calllog.Config{
		Path:      cfg.CallLog.Path,
		Retention: cfg.CallLog.Retention,
	})
	if err != nil {
		log.Fatalf("Call log: %v", err)
	}

	healthChecker := observability.InitHealthChecker()
	healthChecker.RegisterCheck(observability.SessionStoreCheck(store.Ping))
	healthChecker.RegisterCheck(observability.CallLogCheck(callLog.Ping))

	toolClient := tools.NewClient(tools.ClientConfig{
		BaseURL: cfg.Tools.BaseURL,
		Timeout: cfg.Tools.Timeout,
	})
	switchClient := switchctl.NewClient(switchctl.Config{
		BaseURL: cfg.Switch.ControlURL,
		APIKey:  cfg.Switch.APIKey,
	})
	synth := speech.NewWSSynthesizer(speech.SynthesizerConfig{
		URL:    cfg.Synthesizer.URL,
		APIKey: cfg.Synthesizer.APIKey,
	})
	chatClient := openai.NewClient(cfg.Agent.APIKey)

	pipe := pipeline.New(pipeline.Config{
		Voice:         cfg.Synthesizer.Voice,
		OperatorQueue: cfg.Switch.OperatorQueue,
		Prompts: pipeline.Prompts{
			Greeting: cfg.Prompts.Greeting,
			CheckIn:  cfg.Prompts.CheckIn,
			Apology:  cfg.Prompts.Apology,
			Fallback: cfg.Prompts.Fallback,
			Goodbye:  cfg.Prompts.Goodbye,
		},
	}, pipeline.Deps{
		Store: store,
		NewRecognizer: func(ctx context.Context) (speech.Recognizer, error) {
			return speech.NewWSRecognizer(speech.RecognizerConfig{
				URL:      cfg.Recognizer.URL,
				APIKey:   cfg.Recognizer.APIKey,
				Language: cfg.Recognizer.Language,
			})
		},
		NewAgent: func() pipeline.Agent {
			return agent.New(chatClient, agent.Config{
				Model:        cfg.Agent.Model,
				SystemPrompt: cfg.Agent.SystemPrompt,
			})
		},
		Synthesizer: synth,
		Tools:       toolClient,
		Switch:      switchClient,
		Log:         callLog,
	})

	// Publish the breaker state alongside the other gauges.
	go func() {
		for range time.Tick(5 * time.Second) {
			observability.SetCircuitState("catalog", toolClient.Breaker().State())
		}
	}()

	obsServer := observability.NewServer(cfg.MetricsPort)
	errChan := make(chan error, 2)
	go func() {
		log.Printf("Metrics and health on :%d", cfg.MetricsPort)
		if err := obsServer.Start(); err != nil {
			errChan <- fmt.Errorf("observability server: %w", err)
		}
	}()

	listener := wire.NewListener(wire.ListenerConfig{Addr: cfg.Listen}, pipe)
	serveCtx, stopServe := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		log.Printf("Accepting switch connections on %s", cfg.Listen)
		if err := listener.Serve(serveCtx); err != nil {
			errChan <- fmt.Errorf("listener: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Error: %v", err)
	case sig := <-quit:
		log.Printf("Received %s, shutting down", sig)
	}

	// Stop accepting and wait for in-flight calls to drain before the stores
	// they log to go away.
	stopServe()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	select {
	case <-serveDone:
	case <-ctx.Done():
		log.Printf("Shutdown: calls still in flight after %s, closing anyway", 30*time.Second)
	}

	if err := obsServer.Shutdown(ctx); err != nil {
		log.Printf("Observability shutdown: %v", err)
	}
	if err := tracing.Shutdown(ctx); err != nil {
		log.Printf("Tracing shutdown: %v", err)
	}
	if err := callLog.Close(); err != nil {
		log.Printf("Call log close: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("Session store close: %v", err)
	}

	log.Println("voxgate stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
