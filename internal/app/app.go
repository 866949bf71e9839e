// Package app wires the full client pipeline: connection, accumulation,
// decode, playback, lip-sync, and the avatar controller.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lingopod/avatarclient/internal/alert"
	"github.com/lingopod/avatarclient/internal/analysis"
	"github.com/lingopod/avatarclient/internal/audio"
	"github.com/lingopod/avatarclient/internal/avatar"
	"github.com/lingopod/avatarclient/internal/bus"
	"github.com/lingopod/avatarclient/internal/cache"
	"github.com/lingopod/avatarclient/internal/config"
	"github.com/lingopod/avatarclient/internal/lipsync"
	"github.com/lingopod/avatarclient/internal/message"
	"github.com/lingopod/avatarclient/internal/playback"
	"github.com/lingopod/avatarclient/internal/turn"
	"github.com/lingopod/avatarclient/internal/ws"
)

// Engine owns every pipeline component and their lifecycles.
type Engine struct {
	logger zerolog.Logger
	config *config.Config

	Bus        *bus.EventBus
	Alerts     *alert.Alerter
	Store      *message.Store
	Session    *ws.Session
	Client     *ws.Client
	Sender     *ws.Sender
	Router     *ws.Router
	Acc        *turn.Accumulator
	Scheduler  *playback.Scheduler
	Strategy   playback.Strategy
	Signal     *lipsync.Signal
	Driver     *lipsync.Driver
	Spectrum   *analysis.Spectrum
	Controller *avatar.Controller
	Cache      *cache.Store
}

// New assembles the engine from configuration. output may be nil for the
// default always-running device.
func New(cfg *config.Config, logger zerolog.Logger, output audio.Output) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	e := &Engine{
		logger: logger.With().Str("component", "engine").Logger(),
		config: cfg,
		Bus:    bus.NewEventBus(),
	}

	e.Alerts = alert.New(logger, e.Bus)
	e.Store = message.NewStore(logger, e.Bus)
	e.Session = ws.NewSession(cfg.User.ID, cfg.User.Template, cfg.User.Language)

	e.Signal = lipsync.NewSignal()
	e.Spectrum = analysis.NewSpectrum(audio.DefaultSampleRate, cfg.Analysis.FFTSize)
	e.Driver = lipsync.NewDriver(logger, e.Signal, &lipsync.Config{
		Interval: cfg.LipSync.Interval,
		WarmUp:   cfg.LipSync.WarmUp,
		Analysis: analysis.Config{
			Threshold:   cfg.Analysis.Threshold,
			Smoothness:  cfg.Analysis.Smoothness,
			SpeechMinHz: cfg.Analysis.SpeechMinHz,
			SpeechMaxHz: cfg.Analysis.SpeechMaxHz,
		},
	})
	e.Controller = avatar.NewController(logger, e.Signal, &avatar.Config{
		BlinkInterval: cfg.Avatar.BlinkInterval,
		Ease:          cfg.Avatar.MorphEase,
		Sensitivity:   cfg.Avatar.MouthSensitive,
	})

	sink := playback.NewClockSink(logger, e.Spectrum)
	e.Scheduler = playback.NewScheduler(logger, &playback.Config{
		QueueCap:         cfg.Playback.QueueCap,
		PrebufferChunks:  cfg.Playback.PrebufferChunks,
		PrebufferTimeout: cfg.Playback.PrebufferTimeout,
	}, e.Bus, sink, output, e.Driver, e.Spectrum)

	e.Strategy = playback.SelectStrategy(
		cfg.Playback.Strategy,
		playback.Capabilities{SupportsStreaming: true},
		logger,
		e.Scheduler,
		cfg.Playback.QuietWindow,
	)

	if cfg.Cache.Enabled {
		store, err := cache.Open(cfg.Cache.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("app: open audio cache: %w", err)
		}
		e.Cache = store
	}

	e.Acc = turn.NewAccumulator(logger, &turn.Config{
		BaseDelay:     cfg.Accumulator.BaseDelay,
		TextEndDelay:  cfg.Accumulator.TextEndDelay,
		PerChunkDelay: cfg.Accumulator.PerChunkDelay,
		MaxChunks:     cfg.Accumulator.MaxChunks,
	}, e.Bus, e.finalizeTurn)

	// A turn that completed without playable audio marks its message's
	// synthesis aspect failed.
	e.Bus.Subscribe(bus.EventTypeTurnFinalized, func(ev bus.Event) {
		errMsg, _ := ev.Data["error"].(string)
		if errMsg == "" {
			return
		}
		if id, ok := ev.Data["turnID"].(string); ok {
			e.Store.SetError(id, message.LoadingTTS, alert.MsgUnexpected)
		}
	})

	e.Client = ws.NewClient(logger, &ws.Config{
		URL:               cfg.Server.WebSocketURL,
		HandshakeTimeout:  cfg.Server.HandshakeTimeout,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Server.HeartbeatTimeout,
		ReconnectBase:     cfg.Server.ReconnectBase,
		ReconnectMax:      cfg.Server.ReconnectMax,
		ReconnectFactor:   cfg.Server.ReconnectFactor,
		MaxRetries:        cfg.Server.MaxRetries,
		SettleDelay:       cfg.Server.SettleDelay,
	}, e.Bus, e.Alerts, e.Store)
	e.Router = ws.NewRouter(logger, e.Bus, e.Session, e.Store, e.Acc, e.Alerts)
	e.Client.SetOnEnvelope(e.Router.Handle)
	e.Sender = ws.NewSender(e.Client, e.Session, e.Alerts)

	e.logger.Info().Str("strategy", e.Strategy.Name()).Bool("cache", e.Cache != nil).Msg("Engine assembled")
	return e, nil
}

// finalizeTurn decodes a completed turn and hands it to playback. A decode
// failure completes the turn without audio; the accumulator carries the
// error on the completion event.
func (e *Engine) finalizeTurn(fin turn.Finalized) error {
	buf, err := audio.Decode(fin.Data)
	if err != nil {
		return fmt.Errorf("app: decode turn %s: %w", fin.TurnID, err)
	}

	if e.Cache != nil {
		if err := e.Cache.Save(fin.TurnID, fin.Data, buf); err != nil {
			e.logger.Warn().Err(err).Str("turnID", fin.TurnID).Msg("Cache save failed")
		}
	}

	return e.Strategy.Submit(playback.Item{
		TurnID: fin.TurnID,
		Buffer: buf,
		Source: lipsync.SourceBot,
	})
}

// Run starts the engine: playback loop, avatar animation, connection.
func (e *Engine) Run(ctx context.Context) {
	e.Scheduler.Start(ctx)
	e.Controller.Start()
	e.Client.Run(ctx)
}

// Replay plays a cached turn again, tagged as replay so a live bot turn
// keeps ownership of the mouth if one starts meanwhile.
func (e *Engine) Replay(messageID string) error {
	if e.Cache == nil {
		return fmt.Errorf("app: cache disabled")
	}
	buf, err := e.Cache.Load(messageID)
	if err != nil {
		return err
	}
	return e.Scheduler.Enqueue(playback.Item{
		TurnID: messageID,
		Buffer: buf,
		Source: lipsync.SourceReplay,
	})
}

// Interrupt is the user barge-in: drop pending audio everywhere. Chunks
// still in flight are discarded until the next bot turn starts.
func (e *Engine) Interrupt() {
	e.Acc.AbandonAll("user interrupted")
	e.Scheduler.Stop()
}

// Close tears the engine down.
func (e *Engine) Close() {
	_ = e.Client.Close()
	e.Strategy.Close()
	e.Scheduler.Close()
	e.Acc.Close()
	e.Controller.Stop()
	if e.Cache != nil {
		_ = e.Cache.Close()
	}
}
