package api

import (
	"github.com/Conceptual-Machines/defora-relay/internal/analysis"
	"github.com/Conceptual-Machines/defora-relay/internal/api/handlers"
	apimiddleware "github.com/Conceptual-Machines/defora-relay/internal/api/middleware"
	"github.com/Conceptual-Machines/defora-relay/internal/config"
	"github.com/Conceptual-Machines/defora-relay/internal/hub"
	"github.com/Conceptual-Machines/defora-relay/internal/pipeline"
	"github.com/gin-gonic/gin"
)

// Deps are the running components the HTTP surface exposes.
type Deps struct {
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	Hub      *hub.Hub
	Analyzer *analysis.Analyzer
	Track    *analysis.TrackEnergy
	Version  string
}

func SetupRouter(d Deps) *gin.Engine {
	router := gin.New()

	// Recovery middleware (must be first)
	router.Use(apimiddleware.RecoverWithSentry())

	// Sentry middleware for error tracking
	router.Use(apimiddleware.SentryMiddleware())

	// Request tracking and structured logging
	router.Use(apimiddleware.RequestTracking())

	// CORS middleware
	router.Use(apimiddleware.CORS())

	// Health check
	healthHandler := handlers.NewHealthHandler(d.Pipeline)
	router.GET("/health", healthHandler.HealthCheck)

	// Metrics endpoint
	metricsHandler := handlers.NewMetricsHandler(d.Version, d.Pipeline, d.Pipeline.Engine())
	router.GET("/api/metrics", metricsHandler.GetMetrics)

	// Observer websocket; the token travels inside each control frame
	router.GET("/ws", gin.WrapH(d.Hub.Handler(d.Pipeline)))

	requireToken := apimiddleware.ControlToken(d.Pipeline.Authorize)

	controlHandler := handlers.NewControlHandler(d.Pipeline)
	router.POST("/api/control", requireToken, controlHandler.Submit)
	router.GET("/api/mediator/state", controlHandler.MediatorState)

	// Modulation sources
	mod := router.Group("/api/modulation")
	{
		modHandler := handlers.NewModulationHandler(d.Pipeline.Engine())
		mod.GET("", modHandler.State)
		mod.GET("/lfos", modHandler.ListLFOs)
		mod.POST("/lfos", requireToken, modHandler.PutLFO)
		mod.POST("/lfos/:id", requireToken, modHandler.PutLFO)
		mod.DELETE("/lfos/:id", requireToken, modHandler.DeleteLFO)
		mod.GET("/macros", modHandler.ListMacros)
		mod.POST("/macros", requireToken, modHandler.PutMacro)
		mod.POST("/macros/:id", requireToken, modHandler.PutMacro)
		mod.DELETE("/macros/:id", requireToken, modHandler.DeleteMacro)
		mod.GET("/bands", modHandler.ListBands)
		mod.POST("/bands", requireToken, modHandler.PutBand)
		mod.POST("/bands/:param", requireToken, modHandler.PutBand)
		mod.DELETE("/bands/:param", requireToken, modHandler.DeleteBand)
		mod.PUT("/bpm", requireToken, modHandler.SetBPM)
	}

	// Render output and audio
	framesHandler := handlers.NewFramesHandler(d.Config.FramesDir)
	router.GET("/api/frames", framesHandler.List)

	audio := router.Group("/api/audio")
	{
		audioHandler := handlers.NewAudioHandler(d.Analyzer, d.Track, d.Pipeline.Engine())
		audio.GET("/peaks", audioHandler.Peaks)
		audio.GET("/beats", audioHandler.Beats)
		audio.POST("/track", requireToken, audioHandler.LoadTrack)
		audio.DELETE("/cache", requireToken, audioHandler.Invalidate)
	}

	// Forge model listings
	forgeHandler := handlers.NewForgeHandler(d.Config.ForgeAPIURL)
	router.GET("/api/controlnet/models", forgeHandler.ControlNetModels)
	router.GET("/api/loras", forgeHandler.Loras)

	return router
}
