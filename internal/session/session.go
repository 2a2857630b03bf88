// Package session owns the lifecycle of a live subscription: connect,
// configuration-drift detection with forced clean reconnect, bounded
// buffering of inbound events, and explicit subscribe/unsubscribe
// operations over an injected transport.
package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"pulsewire/internal/classify"
	"pulsewire/internal/filter"
)

const (
	defaultBufferCapacity = 1000
	defaultQuietWindow    = 500 * time.Millisecond
)

var (
	ErrMissingCredential = errors.New("subscribe credential is not configured")
	ErrNoTargets         = errors.New("subscription needs at least one channel or channel group")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Cursor resumes delivery from a known sequence token.
type Cursor struct {
	Timetoken string
	Region    int
}

// Config is the caller-owned desired subscription state. The session
// keeps only the last-applied copy, for drift comparison.
type Config struct {
	Channels           []string
	ChannelGroups      []string
	ReceivePresence    bool
	WithHeartbeat      bool
	Cursor             *Cursor
	HeartbeatSeconds   int
	RestoreOnReconnect bool
	Filters            filter.Set
}

// Options is what the transport factory receives: the connection-shaping
// subset of Config, with targets already normalized.
type Options struct {
	Channels         []string
	ChannelGroups    []string
	WithPresence     bool
	HeartbeatSeconds int
	Cursor           *Cursor
	Restore          bool
}

// Set is the transport's subscription-set contract. SetFilterExpression
// may fail without aborting the subscribe; the session downgrades that
// to a warning and proceeds unfiltered.
type Set interface {
	SetFilterExpression(expr string) error
	AddListener(listener Listener)
	Subscribe()
	Unsubscribe()
}

type Factory func(opts Options) (Set, error)

// DriftNotice reports an automatic disconnect after the live
// configuration stopped matching the subscribed baseline.
type DriftNotice struct {
	Class   classify.Classification
	Changed []string
}

type Callbacks struct {
	OnMessage  func(MessageEvent)
	OnPresence func(PresenceEvent)
	OnStatus   func(StatusEvent)
	OnDrift    func(DriftNotice)
}

// ReconnectPolicy controls the optional debounced auto-resubscribe after
// drift. Off by default: an automatic resubscribe under stale parameters
// can loop when the new parameters are also invalid.
type ReconnectPolicy struct {
	Auto        bool
	QuietWindow time.Duration
}

type Settings struct {
	Factory        Factory
	SubscribeKey   string
	Callbacks      Callbacks
	Reconnect      ReconnectPolicy
	BufferCapacity int
	Logger         *zap.Logger
}

type Session struct {
	factory      Factory
	subscribeKey string
	hooks        Callbacks
	policy       ReconnectPolicy
	logger       *zap.Logger

	mu       sync.Mutex
	state    State
	lastErr  string
	set      Set
	baseline *Config
	pending  *time.Timer
	messages *buffer[MessageEvent]
	presence *buffer[PresenceEvent]
}

func New(settings Settings) *Session {
	if settings.Factory == nil {
		panic("session.New: factory must not be nil")
	}
	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		factory:      settings.Factory,
		subscribeKey: settings.SubscribeKey,
		hooks:        settings.Callbacks,
		policy:       settings.Reconnect,
		logger:       logger,
		messages:     newBuffer[MessageEvent](settings.BufferCapacity),
		presence:     newBuffer[PresenceEvent](settings.BufferCapacity),
	}
}

// Subscribe tears down any existing transport instance and opens a new
// one for cfg. On any failure the state is left Idle with the error
// recorded; the caller may retry.
func (s *Session) Subscribe(cfg Config) error {
	s.mu.Lock()

	if strings.TrimSpace(s.subscribeKey) == "" {
		s.lastErr = ErrMissingCredential.Error()
		s.mu.Unlock()
		return ErrMissingCredential
	}

	channels := normalizeTargets(cfg.Channels)
	groups := normalizeTargets(cfg.ChannelGroups)
	if len(channels) == 0 && len(groups) == 0 {
		s.lastErr = ErrNoTargets.Error()
		s.mu.Unlock()
		return ErrNoTargets
	}

	// idempotent: safe even when already Idle
	s.cancelPendingLocked()
	old := s.detachLocked()
	s.state = StateConnecting
	s.lastErr = ""
	s.mu.Unlock()

	// the old transport is shut down outside the mutex: its Unsubscribe
	// waits for the stream goroutine, which may be mid-delivery through
	// the listener and about to take the same mutex
	if old != nil {
		old.Unsubscribe()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.factory(Options{
		Channels:         channels,
		ChannelGroups:    groups,
		WithPresence:     cfg.ReceivePresence,
		HeartbeatSeconds: cfg.HeartbeatSeconds,
		Cursor:           cfg.Cursor,
		Restore:          cfg.RestoreOnReconnect,
	})
	if err != nil {
		s.state = StateIdle
		s.lastErr = err.Error()
		s.logger.Warn("subscribe failed", zap.Error(err))
		return err
	}

	if expr := filter.Compile(cfg.Filters); expr != "" {
		if filterErr := set.SetFilterExpression(expr); filterErr != nil {
			// soft warning: proceed without server-side filtering
			s.logger.Warn("filter expression rejected, subscribing unfiltered",
				zap.String("expression", expr),
				zap.Error(filterErr),
			)
		} else {
			s.logger.Debug("filter expression applied", zap.String("expression", expr))
		}
	}

	set.AddListener(s.listener())
	set.Subscribe()

	s.set = set
	s.state = StateLive
	baseline := cloneConfig(cfg)
	s.baseline = &baseline

	s.logger.Info("subscription live",
		zap.Strings("channels", channels),
		zap.Strings("channel_groups", groups),
		zap.Bool("presence", cfg.ReceivePresence),
	)
	return nil
}

// Unsubscribe tears down the transport and listener registration and
// resets the drift baseline. Safe to call from any state.
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	s.cancelPendingLocked()
	if s.set == nil && s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	set := s.detachLocked()
	s.baseline = nil
	s.state = StateIdle
	s.mu.Unlock()

	if set != nil {
		set.Unsubscribe()
	}
	s.logger.Info("subscription closed")
}

// Apply hands the session the caller's current configuration. While
// Live, a meaningful difference against the subscribed baseline forces
// an automatic disconnect and a drift notification; the session does not
// resubscribe on its own unless the reconnect policy says to.
func (s *Session) Apply(cfg Config) {
	s.mu.Lock()
	if s.state != StateLive || s.baseline == nil {
		s.mu.Unlock()
		return
	}
	changed := diffConfig(*s.baseline, cfg)
	if len(changed) == 0 {
		s.mu.Unlock()
		return
	}

	s.cancelPendingLocked()
	set := s.detachLocked()
	s.baseline = nil
	s.state = StateIdle
	hook := s.hooks.OnDrift
	policy := s.policy
	s.mu.Unlock()

	if set != nil {
		set.Unsubscribe()
	}
	s.logger.Info("configuration drift detected, disconnected",
		zap.Strings("changed", changed),
	)
	if hook != nil {
		hook(DriftNotice{Class: classify.Drift(), Changed: changed})
	}
	if policy.Auto {
		s.scheduleReconnect(cfg)
	}
}

func (s *Session) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateLive
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent surfaced error text, empty when the
// last transition was clean.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) Messages() []MessageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.snapshot()
}

func (s *Session) PresenceEvents() []PresenceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.snapshot()
}

func (s *Session) ClearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages.clear()
}

func (s *Session) ClearPresence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence.clear()
}

// listener builds the one listener set registered with a new transport
// instance. Delivery never blocks: append to the bounded buffer, then
// hand to the caller callback in delivery order.
func (s *Session) listener() Listener {
	return Listener{
		OnMessage: func(ev MessageEvent) {
			s.mu.Lock()
			s.messages.push(ev)
			hook := s.hooks.OnMessage
			s.mu.Unlock()
			if hook != nil {
				hook(ev)
			}
		},
		OnPresence: func(ev PresenceEvent) {
			s.mu.Lock()
			s.presence.push(ev)
			hook := s.hooks.OnPresence
			s.mu.Unlock()
			if hook != nil {
				hook(ev)
			}
		},
		OnStatus: func(ev StatusEvent) {
			s.mu.Lock()
			switch ev.Category {
			case StatusError:
				if ev.Err != nil {
					s.lastErr = classify.Classify(ev.Err).Description
				}
				if s.state == StateConnecting {
					s.state = StateIdle
				} else if s.state == StateLive {
					s.state = StateError
				}
			case StatusConnected:
				if s.state == StateConnecting || s.state == StateError {
					s.state = StateLive
					s.lastErr = ""
				}
			}
			hook := s.hooks.OnStatus
			s.mu.Unlock()
			if hook != nil {
				hook(ev)
			}
		},
	}
}

// scheduleReconnect coalesces rapid successive drift events behind a
// quiet window before re-subscribing, so transport churn stays bounded
// while the caller is still editing.
func (s *Session) scheduleReconnect(cfg Config) {
	window := s.policy.QuietWindow
	if window <= 0 {
		window = defaultQuietWindow
	}
	s.mu.Lock()
	s.cancelPendingLocked()
	s.pending = time.AfterFunc(window, func() {
		if err := s.Subscribe(cfg); err != nil {
			s.logger.Warn("auto-resubscribe failed", zap.Error(err))
		}
	})
	s.mu.Unlock()
	s.logger.Debug("auto-resubscribe scheduled", zap.Duration("quiet_window", window))
}

// detachLocked removes the transport reference. The caller must invoke
// Unsubscribe on the returned set only after releasing the mutex: the
// transport blocks until its stream goroutine exits, and that goroutine
// may be delivering an event through the listener, which takes the
// session mutex.
func (s *Session) detachLocked() Set {
	set := s.set
	s.set = nil
	return set
}

func (s *Session) cancelPendingLocked() {
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

// diffConfig compares exactly the fields whose change makes a live
// subscription stale: targets, filters (including per-condition joins
// and the default operator), and the presence/heartbeat toggles. Cursor
// and heartbeat interval do not force a reconnect.
func diffConfig(base, next Config) []string {
	var changed []string
	if !targetsEqual(base.Channels, next.Channels) {
		changed = append(changed, "channels")
	}
	if !targetsEqual(base.ChannelGroups, next.ChannelGroups) {
		changed = append(changed, "channel_groups")
	}
	if base.ReceivePresence != next.ReceivePresence {
		changed = append(changed, "presence")
	}
	if base.WithHeartbeat != next.WithHeartbeat {
		changed = append(changed, "heartbeat")
	}
	if !filter.Equal(base.Filters, next.Filters) {
		changed = append(changed, "filters")
	}
	return changed
}

func targetsEqual(a, b []string) bool {
	na, nb := normalizeTargets(a), normalizeTargets(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

// normalizeTargets trims, drops blanks, de-duplicates, and sorts so the
// channel list behaves as a set.
func normalizeTargets(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		name := strings.TrimSpace(t)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Channels = append([]string(nil), cfg.Channels...)
	out.ChannelGroups = append([]string(nil), cfg.ChannelGroups...)
	if cfg.Cursor != nil {
		cursor := *cfg.Cursor
		out.Cursor = &cursor
	}
	out.Filters.Conditions = append([]filter.Condition(nil), cfg.Filters.Conditions...)
	return out
}
