// Package avatar turns the lip-sync signal into mouth morph targets and
// idle animation for the render layer.
package avatar

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lingopod/avatarclient/internal/lipsync"
)

// MorphTarget is a named blend-shape weight on the avatar mesh.
type MorphTarget struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// EyeState represents eye animation state
type EyeState string

const (
	EyeOpen   EyeState = "open"
	EyeClosed EyeState = "closed"
)

// State is what the render layer consumes each frame.
type State struct {
	Mouth      []MorphTarget `json:"mouth"`
	EyeState   EyeState      `json:"eyeState"`
	IsSpeaking bool          `json:"isSpeaking"`
}

// soundTargets maps each phoneme label to the blend shapes it opens.
// Weights are relative; the signal's morph value scales them.
var soundTargets = map[string][]MorphTarget{
	"uuu":  {{Name: "Mouth_O", Weight: 1.0}, {Name: "Jaw_Open", Weight: 0.3}},
	"www":  {{Name: "Mouth_Pucker", Weight: 0.9}, {Name: "Jaw_Open", Weight: 0.2}},
	"rrr":  {{Name: "Mouth_Open", Weight: 0.8}, {Name: "Jaw_Open", Weight: 0.5}},
	"eh":   {{Name: "Mouth_Wide", Weight: 0.9}, {Name: "Jaw_Open", Weight: 0.4}},
	"sss":  {{Name: "Mouth_Narrow", Weight: 0.7}, {Name: "Teeth_Show", Weight: 0.5}},
	"none": nil,
}

// Config tunes the controller.
type Config struct {
	BlinkInterval time.Duration
	Ease          float64 // 0..1, per-frame approach toward the target value
	Sensitivity   float64 // multiplier on the signal's morph value
}

// DefaultConfig returns production tuning.
func DefaultConfig() *Config {
	return &Config{
		BlinkInterval: 4 * time.Second,
		Ease:          0.35,
		Sensitivity:   1.0,
	}
}

// Controller subscribes to the lip-sync signal and maintains the mesh
// state with eased transitions and a blink loop.
type Controller struct {
	logger zerolog.Logger
	config *Config
	signal *lipsync.Signal

	mu     sync.RWMutex
	state  State
	eased  float64 // current eased morph value
	onUpd  func(State)
	ticker *time.Ticker
	stopCh chan struct{}
	once   sync.Once
}

// NewController creates a controller bound to the shared signal.
func NewController(logger zerolog.Logger, signal *lipsync.Signal, cfg *Config) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Controller{
		logger: logger.With().Str("component", "avatar").Logger(),
		config: cfg,
		signal: signal,
		state:  State{EyeState: EyeOpen},
		stopCh: make(chan struct{}),
	}
	signal.SetOnChange(c.apply)
	return c
}

// SetOnUpdate registers the render-layer callback.
func (c *Controller) SetOnUpdate(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpd = fn
}

// Start begins the idle animation loop.
func (c *Controller) Start() {
	c.ticker = time.NewTicker(c.config.BlinkInterval)
	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			case <-c.ticker.C:
				c.blink()
			}
		}
	}()
}

// Stop halts animation.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	if c.ticker != nil {
		c.ticker.Stop()
	}
}

// State returns the current render state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// apply receives each signal frame and eases the mouth toward it.
func (c *Controller) apply(frame lipsync.State) {
	c.mu.Lock()
	target := frame.ActiveMorphValue * c.config.Sensitivity
	if frame.ActiveSound == "none" || frame.ActiveSound == "" {
		target = 0
	}
	c.eased += (target - c.eased) * c.config.Ease

	targets := soundTargets[frame.ActiveSound]
	mouth := make([]MorphTarget, len(targets))
	for i, t := range targets {
		mouth[i] = MorphTarget{Name: t.Name, Weight: t.Weight * c.eased}
	}
	c.state.Mouth = mouth
	c.state.IsSpeaking = frame.Source != lipsync.SourceNone && frame.ActiveSound != "none"
	state := c.state
	cb := c.onUpd
	c.mu.Unlock()

	if cb != nil {
		cb(state)
	}
}

// blink closes the eyes briefly. Speaking suppresses blinks so the mouth
// animation stays the visual focus.
func (c *Controller) blink() {
	c.mu.Lock()
	if c.state.IsSpeaking {
		c.mu.Unlock()
		return
	}
	c.state.EyeState = EyeClosed
	state := c.state
	cb := c.onUpd
	c.mu.Unlock()

	if cb != nil {
		cb(state)
	}

	time.AfterFunc(150*time.Millisecond, func() {
		c.mu.Lock()
		c.state.EyeState = EyeOpen
		state := c.state
		cb := c.onUpd
		c.mu.Unlock()
		if cb != nil {
			cb(state)
		}
	})
}
