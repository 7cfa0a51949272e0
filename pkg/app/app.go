package app

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/alerting"
	"voice-integrity-server/pkg/audio"
	"voice-integrity-server/pkg/behavioral"
	"voice-integrity-server/pkg/circuitbreaker"
	"voice-integrity-server/pkg/classifier"
	"voice-integrity-server/pkg/config"
	"voice-integrity-server/pkg/database"
	"voice-integrity-server/pkg/emotion"
	"voice-integrity-server/pkg/errors"
	httpserver "voice-integrity-server/pkg/http"
	"voice-integrity-server/pkg/integrity"
	"voice-integrity-server/pkg/messaging"
	"voice-integrity-server/pkg/metrics"
	"voice-integrity-server/pkg/pii"
	"voice-integrity-server/pkg/realtime"
	"voice-integrity-server/pkg/session"
	"voice-integrity-server/pkg/speaker"
	"voice-integrity-server/pkg/telemetry/tracing"
)

// App owns every long-lived component of the server
type App struct {
	config   *config.Config
	logger   *logrus.Logger
	entry    *logrus.Entry
	shutdown *GracefulShutdown

	Workers    *realtime.WorkerPool
	Pipeline   *integrity.Pipeline
	Repository *database.Repository
	Summaries  session.SummaryStore
	AMQP       *messaging.AMQPClient
	Alerts     *alerting.AlertManager
	Breakers   *circuitbreaker.Manager
	Sessions   *session.Manager
	Hub        *httpserver.VoiceHub
	Server     *httpserver.Server
}

// New builds the component graph from cfg. Optional backends that cannot be
// reached (database, Redis, broker) are logged and left out; the server
// still analyzes and alerts without them.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{
		config:   cfg,
		logger:   logger,
		entry:    logger.WithField("component", "app"),
		shutdown: NewGracefulShutdown(logger, cfg.HTTP.ShutdownTimeout+15*time.Second),
	}

	metrics.EnableMetrics(cfg.HTTP.EnableMetrics)
	if cfg.HTTP.EnableMetrics {
		metrics.Init(logger)
	}

	tracingShutdown, err := tracing.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		a.entry.WithError(err).Warn("Tracing disabled")
	} else {
		a.shutdown.Register(ShutdownResource{Name: "tracing", Priority: PriorityTracing, Shutdown: tracingShutdown})
	}

	a.Workers = realtime.NewWorkerPool(cfg.Workers.Count, cfg.Workers.QueueSize, logger)
	if err := a.Workers.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start worker pool")
	}
	a.shutdown.RegisterCloser("worker_pool", PriorityWorkers, a.Workers.Stop)

	if a.Pipeline, err = buildPipeline(cfg, a.Workers, logger); err != nil {
		a.Shutdown(ctx)
		return nil, err
	}

	a.openRepository()
	a.openSummaryStore()
	a.connectAMQP(ctx)
	a.loadClassifier(ctx)

	a.Hub = httpserver.NewVoiceHub(logger)
	a.Breakers = circuitbreaker.NewManager(logger, circuitbreaker.DefaultConfig())
	a.Alerts = alerting.NewAlertManager(cfg.Alerting, logger)
	a.Alerts.UseBreakers(a.Breakers)
	a.Alerts.AddChannel(alerting.NewBroadcastChannel("websocket", a.Hub))
	if a.AMQP != nil {
		a.Alerts.AddChannel(alerting.NewAMQPChannel("amqp", a.AMQP))
	}
	a.shutdown.RegisterCloser("alert_manager", PriorityAlerts, func() error {
		a.Alerts.Stop()
		return nil
	})

	deps := session.Dependencies{
		Pipeline: a.Pipeline,
		Alerts:   a.Alerts,
		Store:    a.Summaries,
	}
	if a.Repository != nil {
		deps.Recorder = a.Repository
	}
	if a.AMQP != nil {
		deps.Publisher = a.AMQP
	}
	a.Sessions = session.NewManager(cfg.Session, deps, logger)
	a.shutdown.Register(ShutdownResource{Name: "session_manager", Priority: PrioritySessions, Shutdown: a.Sessions.Shutdown})

	httpConfig := cfg.HTTP
	a.Server = httpserver.NewServer(&httpConfig, httpserver.Services{
		Pipeline:     a.Pipeline,
		Sessions:     a.Sessions,
		Alerts:       a.Alerts,
		Repository:   a.Repository,
		Capabilities: cfg.Capabilities.Map(),
	}, a.Hub, logger)
	if a.AMQP != nil {
		a.Server.AddHealthCheck("amqp", httpserver.HealthCheckFunc(func(context.Context) error {
			if !a.AMQP.IsConnected() {
				return errors.Wrap(errors.ErrUnavailable, "AMQP broker disconnected")
			}
			return nil
		}), false)
	}
	a.shutdown.Register(ShutdownResource{Name: "http_server", Priority: PriorityFrontend, Shutdown: a.Server.Shutdown})

	return a, nil
}

// buildPipeline assembles the analyzers behind the enabled capabilities
func buildPipeline(cfg *config.Config, pool *realtime.WorkerPool, logger *logrus.Logger) (*integrity.Pipeline, error) {
	caps := cfg.Capabilities
	cal := cfg.Calibration
	sampleRate := cfg.Session.SampleRate

	var spectral *audio.SpectralExtractor
	if caps.SpectralFeatures {
		spectral = audio.NewSpectralExtractor(sampleRate)
	}

	voiceBackends := realtime.Backends{Primary: realtime.NewEnergySpeechModel()}
	if caps.SecondaryVAD {
		voiceBackends.Secondary = realtime.NewThresholdVAD()
	}

	behavior, err := behavioral.NewAnalyzer(cal.Behavioral, spectral, pool, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build behavioral analyzer")
	}

	var diarizer speaker.Diarizer
	if caps.SpeakerProfiles {
		diarizer = speaker.NewProfileDiarizer(cal.SpeakerProfiles, audio.NewSpectralExtractor(sampleRate), logger)
	}

	emotionBackends := emotion.Backends{Spectral: spectral}
	if caps.PitchTracking {
		emotionBackends.Pitch = audio.NewPitchTracker(sampleRate)
	}
	if path := cfg.Models.EmotionFile; path != "" {
		model, err := loadEmotionModel(path)
		if err != nil {
			return nil, err
		}
		emotionBackends.Classifier = model
	}

	return integrity.NewPipeline(integrity.Analyzers{
		VoiceConfig:   cal.Voice,
		VoiceBackends: voiceBackends,
		Behavioral:    behavior,
		Speakers:      speaker.NewDetector(cal.Speaker, diarizer, pool, logger),
		Emotions:      emotion.NewAnalyzer(cal.Emotion, emotionBackends, pool, logger),
		Classifier:    classifier.NewClassifier(cal.Classifier, pool, logger),
	}, logger)
}

func loadEmotionModel(path string) (*emotion.LinearClassifier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open emotion model", map[string]interface{}{"path": path})
	}
	defer f.Close()
	return emotion.LoadLinearClassifier(f)
}

func (a *App) openRepository() {
	if !a.config.Database.Enabled {
		return
	}
	repo, err := database.Open(a.config.Database, a.logger)
	if err != nil {
		a.entry.WithError(err).Warn("Database unavailable; integrity flags will not be persisted")
		return
	}
	if a.config.PII.Enabled {
		repo.SetRedactor(pii.NewDetector(a.config.PII, a.logger))
	}
	a.Repository = repo
	a.shutdown.RegisterCloser("database", PriorityBackends, repo.Close)
}

func (a *App) openSummaryStore() {
	if a.config.Redis.Enabled {
		store, err := session.NewRedisSummaryStore(a.config.Redis, a.logger)
		if err == nil {
			a.Summaries = store
			a.shutdown.RegisterCloser("redis", PriorityBackends, store.Close)
			return
		}
		a.entry.WithError(err).Warn("Redis unavailable; keeping session summaries in memory")
	}
	a.Summaries = session.NewMemorySummaryStore(a.config.Session.SummaryHistory)
}

func (a *App) connectAMQP(ctx context.Context) {
	if a.config.AMQP.URL == "" {
		return
	}
	client := messaging.NewAMQPClient(a.config.AMQP, a.logger)
	if err := client.Connect(ctx); err != nil {
		a.entry.WithError(err).Warn("AMQP broker unavailable; alerts will not be published")
		return
	}
	a.AMQP = client
	a.shutdown.RegisterCloser("amqp", PriorityBackends, func() error {
		client.Disconnect()
		return nil
	})
}

// loadClassifier restores a trained model: the configured file first, then
// the latest artifact in the repository. A missing model keeps the
// rule-based scorer.
func (a *App) loadClassifier(ctx context.Context) {
	c := a.Pipeline.Classifier()

	if path := a.config.Models.ClassifierFile; path != "" {
		f, err := os.Open(path)
		if err == nil {
			err = c.Load(f)
			f.Close()
		}
		if err == nil {
			a.entry.WithField("path", path).Info("Loaded integrity model from file")
			return
		}
		a.entry.WithError(err).WithField("path", path).Warn("Failed to load integrity model file")
	}

	if a.Repository == nil {
		return
	}
	artifact, err := a.Repository.LatestModel(ctx, classifier.ArtifactName)
	if err != nil {
		if !errors.IsErrorType(err, errors.ErrNotFound) {
			a.entry.WithError(err).Warn("Failed to read stored integrity model")
		}
		return
	}
	if err := c.Load(bytes.NewReader(artifact.Data)); err != nil {
		a.entry.WithError(err).Warn("Stored integrity model is incompatible; using rule-based scoring")
		return
	}
	a.entry.WithFields(logrus.Fields{
		"model_used":       artifact.ModelUsed,
		"training_samples": artifact.TrainingSamples,
	}).Info("Loaded integrity model from database")
}

// Start begins serving HTTP when enabled
func (a *App) Start() error {
	if !a.config.HTTP.Enabled {
		a.entry.Info("HTTP server is disabled by configuration")
		return nil
	}
	return a.Server.Start()
}

// Shutdown stops every component in dependency order
func (a *App) Shutdown(ctx context.Context) error {
	return a.shutdown.Shutdown(ctx)
}
