// Package app wires the subscribe daemon: load the profile, bring the
// session live, then keep applying profile edits to the running session
// until the context ends.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"pulsewire/internal/config"
	"pulsewire/internal/runctx"
	"pulsewire/internal/runstatus"
	"pulsewire/internal/session"
)

type Callbacks struct {
	OnMessage      func(session.MessageEvent)
	OnPresence     func(session.PresenceEvent)
	OnDrift        func(session.DriftNotice)
	OnStatusChange func(string)
}

type Settings struct {
	ProfilePath      string
	HeartbeatSeconds int
	Factory          session.Factory
	SubscribeKey     string
	Reconnect        session.ReconnectPolicy
	BufferCapacity   int
	Hooks            Callbacks
	Logger           *zap.Logger
}

type Runner struct {
	profilePath      string
	heartbeatSeconds int
	policy           session.ReconnectPolicy
	session          *session.Session
	logger           *zap.Logger
	hooks            Callbacks
	status           runtimeStatusState
}

func New(settings Settings) *Runner {
	if settings.Factory == nil {
		panic("app.New: factory must not be nil")
	}
	if settings.Logger == nil {
		panic("app.New: logger must not be nil")
	}

	runner := &Runner{
		profilePath:      settings.ProfilePath,
		heartbeatSeconds: settings.HeartbeatSeconds,
		policy:           settings.Reconnect,
		logger:           settings.Logger,
		hooks:            settings.Hooks,
	}
	runner.session = session.New(session.Settings{
		Factory:        settings.Factory,
		SubscribeKey:   settings.SubscribeKey,
		Reconnect:      settings.Reconnect,
		BufferCapacity: settings.BufferCapacity,
		Logger:         settings.Logger,
		Callbacks: session.Callbacks{
			OnMessage: func(ev session.MessageEvent) {
				if runner.hooks.OnMessage != nil {
					runner.hooks.OnMessage(ev)
				}
			},
			OnPresence: func(ev session.PresenceEvent) {
				if runner.hooks.OnPresence != nil {
					runner.hooks.OnPresence(ev)
				}
			},
			OnStatus: runner.handleStatus,
			OnDrift: func(notice session.DriftNotice) {
				runner.setRuntimeStatus(runstatus.Drifted)
				if runner.hooks.OnDrift != nil {
					runner.hooks.OnDrift(notice)
				}
			},
		},
	})
	return runner
}

// Session exposes the underlying session for event snapshots.
func (r *Runner) Session() *session.Session {
	return r.session
}

func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("subscribe daemon starting", zap.String("profile", r.profilePath))

	profile, err := config.LoadProfile(r.profilePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProfileLoadFailed, err)
	}
	cfg, err := profile.SessionConfig(r.heartbeatSeconds)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProfileLoadFailed, err)
	}

	r.setRuntimeStatus(runstatus.Subscribing)
	if err := r.session.Subscribe(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
	}
	defer r.session.Unsubscribe()

	updates, err := config.WatchProfile(ctx, r.profilePath, r.logger)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	for {
		next, ok := runctx.RecvOrDone(ctx, "profile update loop", r.logger, updates)
		if !ok {
			break
		}
		nextCfg, cfgErr := next.SessionConfig(r.heartbeatSeconds)
		if cfgErr != nil {
			// bad profile edit; keep the current subscription running
			r.logger.Warn("ignoring invalid profile update", zap.Error(cfgErr))
			continue
		}
		r.session.Apply(nextCfg)
		if !r.policy.Auto && !r.session.IsLive() {
			// drift tore the session down and no policy will bring it
			// back; the daemon re-subscribes under the new profile
			r.setRuntimeStatus(runstatus.Subscribing)
			if subErr := r.session.Subscribe(nextCfg); subErr != nil {
				r.logger.Warn("re-subscribe after profile update failed", zap.Error(subErr))
			}
		}
	}

	r.setRuntimeStatus(runstatus.Disconnected)
	if ctx.Err() != nil {
		r.logger.Debug("subscribe daemon stopping: context canceled", zap.Error(ctx.Err()))
	}
	r.logger.Info("subscribe daemon stopped")
	return nil
}

func (r *Runner) handleStatus(ev session.StatusEvent) {
	switch ev.Category {
	case session.StatusConnected:
		r.setRuntimeStatus(runstatus.Connected)
	case session.StatusReconnecting:
		if isAuthStatus(ev.StatusCode) {
			r.setRuntimeStatus(runstatus.DisconnectedAuth)
		} else {
			r.setRuntimeStatus(runstatus.Reconnecting)
		}
	case session.StatusDisconnected:
		r.setRuntimeStatus(runstatus.Disconnected)
	case session.StatusError:
		if isAuthStatus(ev.StatusCode) {
			r.setRuntimeStatus(runstatus.DisconnectedAuth)
		} else {
			r.setRuntimeStatus(runstatus.Disconnected)
		}
	}
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

type runtimeStatusState struct {
	mu      sync.Mutex
	current string
}

func (s *runtimeStatusState) update(status string) (string, string, bool) {
	trimmed := strings.TrimSpace(status)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == trimmed {
		return s.current, trimmed, false
	}
	previous := s.current
	s.current = trimmed
	return previous, trimmed, true
}

func (r *Runner) setRuntimeStatus(status string) {
	previous, next, changed := r.status.update(status)
	if !changed {
		return
	}
	r.logger.Debug("runtime status transition",
		zap.String("from", previous),
		zap.String("to", next),
	)
	if r.hooks.OnStatusChange != nil {
		r.hooks.OnStatusChange(status)
	}
}
