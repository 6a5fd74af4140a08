package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Conceptual-Machines/defora-relay/internal/analysis"
	"github.com/Conceptual-Machines/defora-relay/internal/api"
	apimiddleware "github.com/Conceptual-Machines/defora-relay/internal/api/middleware"
	"github.com/Conceptual-Machines/defora-relay/internal/config"
	"github.com/Conceptual-Machines/defora-relay/internal/control"
	"github.com/Conceptual-Machines/defora-relay/internal/hub"
	"github.com/Conceptual-Machines/defora-relay/internal/logger"
	"github.com/Conceptual-Machines/defora-relay/internal/mediator"
	"github.com/Conceptual-Machines/defora-relay/internal/mediator/mediatortest"
	"github.com/Conceptual-Machines/defora-relay/internal/metrics"
	"github.com/Conceptual-Machines/defora-relay/internal/midi"
	"github.com/Conceptual-Machines/defora-relay/internal/modulation"
	"github.com/Conceptual-Machines/defora-relay/internal/params"
	"github.com/Conceptual-Machines/defora-relay/internal/pipeline"
	"github.com/Conceptual-Machines/defora-relay/internal/relay"
	"github.com/Conceptual-Machines/defora-relay/internal/stream"
	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const (
	sentryFlushTimeout    = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
	readHeaderTimeout     = 10 * time.Second
	environmentProduction = "production"
)

// releaseVersion is set via ldflags during build
var releaseVersion = "dev"

// GetVersion returns the current release version
func GetVersion() string {
	return releaseVersion
}

// helloMessage greets each observer on connect
type helloMessage struct {
	Type          string         `json:"type"`
	Version       string         `json:"version"`
	TokenRequired bool           `json:"tokenRequired"`
	Mediator      mediator.State `json:"mediator"`
}

func main() {
	mockMediator := flag.Bool("mock-mediator", false, "serve an in-memory mediator on MEDIATOR_PORT")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize Sentry
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			Release:          "defora-relay@" + releaseVersion,
			EnableTracing:    true,
			TracesSampleRate: 1.0,
			EnableLogs:       true,
			Debug:            cfg.Environment != environmentProduction,
			BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
				// Filter out sensitive data
				if event.Request != nil {
					event.Request.Headers = filterSensitiveHeaders(event.Request.Headers)
				}
				return event
			},
		}); err != nil {
			log.Printf("Failed to initialize Sentry: %v", err)
		} else {
			log.Printf("✅ Sentry initialized (environment: %s, release: %s)", cfg.Environment, releaseVersion)
			// Flush on shutdown
			defer sentry.Flush(sentryFlushTimeout)
		}
	} else {
		log.Println("⚠️  Sentry not configured (SENTRY_DSN not set)")
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder metrics.Recorder = metrics.Nop{}
	if cw, err := metrics.NewClient(ctx, cfg.Environment); err == nil {
		recorder = cw
	}

	if *mockMediator {
		serveMockMediator(ctx, cfg)
	}

	p, deps, err := build(cfg, recorder)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	if err := p.Start(); err != nil {
		sentry.CaptureException(err)
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	// Initialize router
	router := api.SetupRouter(deps)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		log.Printf("🚀 Starting server on port %s (mediator %s)", cfg.Port, cfg.MediatorURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.CaptureException(err)
			log.Fatal("Failed to start server:", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", err, logger.Component("main"))
	}
	if err := p.Close(); err != nil {
		logger.Error("Pipeline shutdown failed", err, logger.Component("main"))
	}
}

// build assembles the hub, relay, mediator bridge, modulation engine and the
// collaborators around them.
func build(cfg *config.Config, recorder metrics.Recorder) (*pipeline.Pipeline, api.Deps, error) {
	reg := params.Default()
	validator := control.NewValidator(reg)

	var bridge *mediator.Bridge
	observers := hub.New(hub.Options{Hello: func() any {
		return helloMessage{
			Type:          hub.TypeHello,
			Version:       GetVersion(),
			TokenRequired: cfg.TokenRequired(),
			Mediator:      bridge.State(),
		}
	}})

	queue := newRelay(cfg, validator, recorder)
	bridge = mediator.New(mediator.Options{
		URL:        cfg.MediatorURL(),
		RetryDelay: cfg.MediatorRetryDelay,
		Timeout:    cfg.MediatorTimeout,
		QueueSize:  cfg.MediatorQueueSize,
		Flags:      reg.Flags(),
		OnState:    pipeline.MediatorEvents(observers),
		Metrics:    recorder,
	})

	track := analysis.NewTrackEnergy()
	var p *pipeline.Pipeline
	engine := modulation.New(modulation.Options{
		Interval:  cfg.TickInterval,
		Validator: validator,
		Energy:    track,
		// the engine only ticks after Start, once p is set
		Emit: func(live control.LiveParams) { p.Publish(live) },
	})
	for _, b := range modulation.DefaultBandBindings() {
		if _, err := engine.PutBand(b); err != nil {
			return nil, api.Deps{}, err
		}
	}

	bindings := midi.DefaultBindings()
	if cfg.MIDIMapFile != "" {
		loaded, err := midi.Load(cfg.MIDIMapFile)
		if err != nil {
			return nil, api.Deps{}, err
		}
		bindings = loaded
	}
	mapper, err := midi.NewMapper(reg, bindings)
	if err != nil {
		return nil, api.Deps{}, err
	}

	analyzer, err := analysis.New(analysis.Options{
		Dir:       cfg.AudioDir,
		FFmpeg:    cfg.FFmpegPath,
		CacheSize: cfg.AnalysisCacheSize,
	})
	if err != nil {
		return nil, api.Deps{}, err
	}

	poller := stream.NewPoller(stream.Options{
		FramesDir: cfg.FramesDir,
		Playlist:  cfg.StreamPlaylist,
		Interval:  cfg.PollInterval,
		Hub:       observers,
	})

	p = pipeline.New(pipeline.Options{
		Validator:   validator,
		Queue:       queue,
		Bridge:      bridge,
		Hub:         observers,
		Engine:      engine,
		MIDI:        mapper,
		Token:       cfg.ControlToken,
		Runners:     []pipeline.Runner{poller},
		OnTransport: track.OnTransport,
		Dispatch:    apimiddleware.Metrics(),
	})

	return p, api.Deps{
		Config:   cfg,
		Pipeline: p,
		Hub:      observers,
		Analyzer: analyzer,
		Track:    track,
		Version:  GetVersion(),
	}, nil
}

func newRelay(cfg *config.Config, validator *control.Validator, recorder metrics.Recorder) relay.Queue {
	name := "memory"
	if cfg.MQEnabled {
		name = cfg.MQQueue
	}
	opts := relay.Options{
		Name:     name,
		Capacity: cfg.RelayCapacity,
		OnDrop:   func(n int) { recorder.RecordRelayDropped(name, n) },
	}
	if !cfg.MQEnabled {
		log.Println("Relay: in-process (MQ_ENABLED=false)")
		return relay.NewMemory(opts)
	}
	log.Printf("Relay: RabbitMQ queue %q", cfg.MQQueue)
	return relay.NewAMQP(relay.AMQPOptions{
		Options:    opts,
		URL:        cfg.MQURL,
		Queue:      cfg.MQQueue,
		RetryDelay: cfg.MediatorRetryDelay,
	}, validator)
}

// serveMockMediator runs the in-memory mediator for offline sessions.
func serveMockMediator(ctx context.Context, cfg *config.Config) {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.MediatorPort),
		Handler:           mediatortest.NewHandler(nil),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		log.Printf("🧪 Mock mediator listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Mock mediator stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}

func filterSensitiveHeaders(headers map[string]string) map[string]string {
	filtered := make(map[string]string)
	sensitiveKeys := map[string]bool{
		"authorization":   true,
		"cookie":          true,
		"x-control-token": true,
	}

	for k, v := range headers {
		if sensitiveKeys[strings.ToLower(k)] {
			filtered[k] = "[REDACTED]"
		} else {
			filtered[k] = v
		}
	}
	return filtered
}
