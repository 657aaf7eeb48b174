// Package poller drives the fetch, format and deliver cycle on a fixed
// interval.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/bilal/esphomebot/internal/config"
	"github.com/bilal/esphomebot/internal/format"
	"github.com/bilal/esphomebot/internal/publisher"
	"github.com/bilal/esphomebot/internal/sensor"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Fetcher interface {
	Fetch(ctx context.Context) (sensor.Batch, error)
}

type Notifier interface {
	Send(ctx context.Context, text string) error
}

type Publisher interface {
	Publish(ctx context.Context, ev publisher.CycleEvent) error
}

// Diagnoser adds network details to a connection failure message.
type Diagnoser interface {
	Diagnose(ctx context.Context) string
}

// Recorder keeps the last cycle outcome, e.g. for the health endpoint.
type Recorder interface {
	RecordCycle(ok bool, at time.Time)
}

// Clock isolates the wait between cycles.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Outcome describes one finished cycle.
type Outcome struct {
	CorrelationID string
	Readings      sensor.Batch
	Text          string
	Err           error // fetch failure
	DeliveryErr   error
}

// OK reports whether readings were fetched and delivered.
func (o Outcome) OK() bool { return o.Err == nil && o.DeliveryErr == nil }

type Option func(*Poller)

func WithClock(c Clock) Option          { return func(p *Poller) { p.clock = c } }
func WithPublisher(pub Publisher) Option { return func(p *Poller) { p.publisher = pub } }
func WithDiagnoser(d Diagnoser) Option   { return func(p *Poller) { p.diagnoser = d } }
func WithRecorder(r Recorder) Option     { return func(p *Poller) { p.recorder = r } }

type Poller struct {
	fetcher   Fetcher
	formatter format.Formatter
	notifier  Notifier
	interval  time.Duration
	clock     Clock
	publisher Publisher
	diagnoser Diagnoser
	recorder  Recorder
}

func New(cfg *config.Config, f Fetcher, n Notifier, opts ...Option) *Poller {
	p := &Poller{
		fetcher:   f,
		formatter: format.Formatter{IDPrefix: cfg.Sensors.IDPrefix},
		notifier:  n,
		interval:  cfg.Interval(),
		clock:     realClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts with a cycle, then waits the interval between cycles. It
// blocks until ctx is cancelled. No cycle error ever stops it.
func (p *Poller) Run(ctx context.Context) {
	log.Info().Dur("interval", p.interval).Msg("poller started")

	for {
		p.RunOnce(ctx)

		select {
		case <-ctx.Done():
			log.Info().Msg("poller stopping")
			return
		case <-p.clock.After(p.interval):
		}
		if ctx.Err() != nil {
			log.Info().Msg("poller stopping")
			return
		}
	}
}

// RunOnce performs one cycle. A fetch failure is turned into a diagnostic
// message. A delivery failure is logged and returned in the outcome only.
func (p *Poller) RunOnce(ctx context.Context) Outcome {
	out := Outcome{CorrelationID: uuid.NewString()}
	logger := log.With().Str("correlation", out.CorrelationID).Logger()

	batch, err := p.fetcher.Fetch(ctx)
	if err != nil {
		out.Err = err
		if ctx.Err() != nil {
			logger.Debug().Err(err).Msg("cycle cancelled")
			return out
		}
		logger.Warn().Err(err).Msg("sensor fetch failed")
		out.Text = p.diagnostic(ctx, err)
	} else {
		out.Readings = batch
		out.Text = p.formatter.Readings(batch)
		logger.Info().Int("readings", len(batch)).Msg("sensors fetched")
	}

	if err := p.notifier.Send(ctx, out.Text); err != nil {
		out.DeliveryErr = err
		logger.Error().Err(err).Bool("diagnostic", out.Err != nil).Msg("delivery failed")
	}

	p.record(ctx, out)
	return out
}

func (p *Poller) diagnostic(ctx context.Context, err error) string {
	text := format.Error(err)

	var ferr *sensor.FetchError
	if p.diagnoser != nil && errors.As(err, &ferr) && ferr.Kind == sensor.KindTransport {
		text += "\n" + p.diagnoser.Diagnose(ctx)
	}
	return text
}

func (p *Poller) record(ctx context.Context, out Outcome) {
	now := p.clock.Now()

	if p.recorder != nil {
		p.recorder.RecordCycle(out.Err == nil, now)
	}
	if p.publisher == nil {
		return
	}

	ev := publisher.CycleEvent{
		CorrelationID: out.CorrelationID,
		Timestamp:     now,
		Source:        "poll",
		OK:            out.Err == nil,
		Readings:      out.Readings,
		Delivered:     out.DeliveryErr == nil,
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	if err := p.publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("correlation", out.CorrelationID).Msg("cycle event not published")
	}
}
