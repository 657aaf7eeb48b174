// Package agent wires configuration, transports and drivers together.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bilal/esphomebot/internal/bot"
	"github.com/bilal/esphomebot/internal/config"
	"github.com/bilal/esphomebot/internal/delivery"
	"github.com/bilal/esphomebot/internal/health"
	"github.com/bilal/esphomebot/internal/logger"
	"github.com/bilal/esphomebot/internal/poller"
	"github.com/bilal/esphomebot/internal/probe"
	"github.com/bilal/esphomebot/internal/publisher"
	"github.com/bilal/esphomebot/internal/sensor"
	"github.com/rs/zerolog/log"
)

// BotAPI is the Telegram client surface used by both drivers.
type BotAPI interface {
	delivery.Sender
	bot.UpdateSource
}

// Deps are the outside connections. Zero values use the real ones.
type Deps struct {
	Dial       func(cfg *config.Config) (BotAPI, error)
	HTTPClient *http.Client
	// DialRetry is the wait between failed Telegram logins. Defaults to the
	// poll interval.
	DialRetry time.Duration
}

type Agent struct {
	cfg       *config.Config
	deps      Deps
	sensors   *sensor.Client
	prober    *probe.Prober
	health    *health.Server
	producer  *publisher.KafkaProducer
	poller    *poller.Poller
	responder *bot.Responder
	wg        sync.WaitGroup
}

// New loads the configuration and builds everything that needs no network.
// Telegram is only contacted from Run, so New fails on configuration errors
// alone.
func New(configPath string, deps Deps) (*Agent, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Logging)

	if deps.Dial == nil {
		deps.Dial = func(cfg *config.Config) (BotAPI, error) { return delivery.Dial(cfg) }
	}
	if deps.DialRetry <= 0 {
		deps.DialRetry = cfg.Interval()
	}
	return build(cfg, deps)
}

func build(cfg *config.Config, deps Deps) (*Agent, error) {
	a := &Agent{
		cfg:     cfg,
		deps:    deps,
		sensors: sensor.New(cfg, deps.HTTPClient),
		prober:  probe.New(cfg),
	}

	if cfg.Health.Enabled {
		a.health = health.New(cfg.Health.Port)
	}

	producer, err := publisher.NewKafkaProducer(cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	a.producer = producer
	return a, nil
}

// dial logs in to Telegram, retrying until it succeeds or ctx is cancelled.
func (a *Agent) dial(ctx context.Context) (BotAPI, bool) {
	for {
		api, err := a.deps.Dial(a.cfg)
		if err == nil {
			return api, true
		}
		log.Warn().Err(err).Dur("retry_in", a.deps.DialRetry).Msg("telegram login failed")

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(a.deps.DialRetry):
		}
	}
}

// wire builds the drivers selected by poll.mode around api.
func (a *Agent) wire(api BotAPI) {
	cfg := a.cfg
	channel := delivery.New(api, cfg.OwnerID)

	if cfg.Poll.Mode == config.ModePoll || cfg.Poll.Mode == config.ModeBoth {
		var opts []poller.Option
		if a.prober != nil {
			opts = append(opts, poller.WithDiagnoser(a.prober))
		}
		if a.health != nil {
			opts = append(opts, poller.WithRecorder(a.health))
		}
		if a.producer != nil {
			opts = append(opts, poller.WithPublisher(a.producer))
		}
		a.poller = poller.New(cfg, a.sensors, channel, opts...)
	}

	if cfg.Poll.Mode == config.ModeBot || cfg.Poll.Mode == config.ModeBoth {
		var opts []bot.Option
		if a.prober != nil {
			opts = append(opts, bot.WithDiagnoser(a.prober))
		}
		if a.health != nil && a.poller != nil {
			opts = append(opts, bot.WithStatus(a.health))
		}
		a.responder = bot.New(cfg, api, channel, a.sensors, opts...)
	}
}

// Run logs in to Telegram, starts the configured drivers and blocks until
// ctx is cancelled and they have returned. A failed login is retried, it
// never stops the process.
func (a *Agent) Run(ctx context.Context) {
	log.Info().
		Str("mode", a.cfg.Poll.Mode).
		Str("base_url", a.cfg.Sensors.BaseURL).
		Strs("endpoints", a.cfg.Sensors.Endpoints).
		Msg("starting esphomebot")

	//------------------------------------------
	// HEALTH SERVER
	//------------------------------------------
	if a.health != nil {
		a.health.SetRunning(true)
		go func() {
			if err := a.health.Serve(); err != nil {
				log.Error().Err(err).Msg("health server stopped")
			}
		}()
		log.Info().Str("port", a.cfg.Health.Port).Msg("health endpoint running on 127.0.0.1/health")
	}

	//------------------------------------------
	// TELEGRAM LOGIN + DRIVERS
	//------------------------------------------
	api, ok := a.dial(ctx)
	if !ok {
		return
	}
	a.wire(api)

	if a.poller != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.poller.Run(ctx)
		}()
	}
	if a.responder != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.responder.Run(ctx)
		}()
	}

	<-ctx.Done()
	a.wg.Wait()
}

// Shutdown releases the health server and the kafka producer.
func (a *Agent) Shutdown(ctx context.Context) {
	if a.health != nil {
		a.health.SetRunning(false)
		if err := a.health.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("health server shutdown")
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			log.Warn().Err(err).Msg("kafka producer close")
		}
	}
	log.Info().Msg("agent stopped cleanly")
}
