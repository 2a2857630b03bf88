package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulsewire/internal/session"
)

const (
	reconnectDelay    = 5 * time.Second
	reconnectMaxDelay = 30 * time.Second
	grantRefreshLead  = 10 * time.Second
)

var ErrAlreadySubscribed = errors.New("subscription set is already running")

// SubscriptionSet is the concrete transport behind one live session. It
// owns the grant fetch, the SSE stream, and the reconnect loop; the
// session above it sees only listener callbacks.
type SubscriptionSet struct {
	client *Client
	opts   session.Options
	logger *zap.Logger

	mu         sync.Mutex
	clientID   string
	filterExpr string
	listener   session.Listener
	hasHandler bool
	running    bool
	cursor     *session.Cursor
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSubscriptionSet builds a set for the given connection options.
// Pair with session.Factory:
//
//	factory := func(opts session.Options) (session.Set, error) {
//		return transport.NewSubscriptionSet(client, opts, logger), nil
//	}
func NewSubscriptionSet(client *Client, opts session.Options, logger *zap.Logger) *SubscriptionSet {
	if client == nil {
		panic("transport.NewSubscriptionSet: client must not be nil")
	}
	if logger == nil {
		panic("transport.NewSubscriptionSet: logger must not be nil")
	}
	set := &SubscriptionSet{
		client:   client,
		opts:     opts,
		logger:   logger,
		clientID: uuid.NewString(),
	}
	if opts.Cursor != nil {
		cursor := *opts.Cursor
		set.cursor = &cursor
	}
	return set
}

// ClientID is the stable per-set identity sent with every subscribe
// request.
func (s *SubscriptionSet) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// SetFilterExpression stores the compiled server-side filter for the
// next connect. Fails once the stream is running; the filter is part of
// the connection request and cannot change in place.
func (s *SubscriptionSet) SetFilterExpression(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadySubscribed
	}
	s.filterExpr = expr
	return nil
}

// AddListener registers the callback set. First registration wins;
// later calls are ignored with a warning.
func (s *SubscriptionSet) AddListener(listener session.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasHandler {
		s.logger.Warn("ignoring extra listener registration", zap.String("client_id", s.clientID))
		return
	}
	s.listener = listener
	s.hasHandler = true
}

// Subscribe starts the stream loop. Repeated calls while running are
// no-ops.
func (s *SubscriptionSet) Subscribe() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.runLoop(ctx)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
}

// Unsubscribe stops the stream and waits for the loop to exit. Safe to
// call when not subscribed.
func (s *SubscriptionSet) Unsubscribe() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.emitStatus(session.StatusEvent{Category: session.StatusDisconnected})
}

// runLoop retries the long-lived stream with exponential backoff. Each
// attempt runs one grant-scoped session until it ends from stream
// error, disconnect, or the refresh boundary.
func (s *SubscriptionSet) runLoop(ctx context.Context) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = reconnectDelay
	retry.MaxInterval = reconnectMaxDelay
	retry.Reset()

	_, retryErr := backoff.Retry(ctx, func() (struct{}, error) {
		// One session blocks while connected; returns when disconnected
		// or the grant hits its refresh boundary.
		err := s.runStream(ctx)
		if err == nil {
			return struct{}{}, nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return struct{}{}, backoff.Permanent(err)
		}

		if isExpectedReconnect(err) {
			s.logger.Debug("subscribe stream reconnecting", zap.Error(err))
			retry.Reset()
			return struct{}{}, err
		}

		s.logger.Warn("subscribe stream disconnected", zap.Error(err))
		return struct{}{}, err
	},
		backoff.WithBackOff(retry),
		backoff.WithNotify(func(err error, next time.Duration) {
			if !isExpectedReconnect(err) {
				s.emitStatus(session.StatusEvent{
					Category:   session.StatusReconnecting,
					StatusCode: statusCodeOf(err),
					Err:        err,
				})
			}
			s.logger.Debug("retrying subscribe stream",
				zap.Error(err),
				zap.String("next_retry", next.String()))
		}),
	)
	if retryErr != nil && !errors.Is(retryErr, context.Canceled) && !errors.Is(retryErr, context.DeadlineExceeded) {
		s.logger.Warn("subscribe stream stopped", zap.Error(retryErr))
		s.emitStatus(session.StatusEvent{
			Category:   session.StatusError,
			StatusCode: statusCodeOf(retryErr),
			Err:        retryErr,
		})
	}
}

func (s *SubscriptionSet) runStream(ctx context.Context) error {
	grant, grantErr := s.client.GrantSubscribe(ctx)
	if grantErr != nil {
		return grantErr
	}
	s.logger.Debug("fetched subscribe grant",
		zap.Int64("expires_at", grant.ExpiresAt),
		zap.Int64("refresh_after_seconds", grant.RefreshAfterSeconds),
	)

	stream := StreamClient{
		HTTP:         s.client.http,
		SubscribeURL: s.client.endpoints.SubscribeURL,
		RefreshLead:  grantRefreshLead,
		Logger:       s.logger,
	}

	s.mu.Lock()
	params := StreamParams{
		ClientID:      s.clientID,
		Channels:      s.opts.Channels,
		ChannelGroups: s.opts.ChannelGroups,
		FilterExpr:    s.filterExpr,
		WithPresence:  s.opts.WithPresence,
		Heartbeat:     s.opts.HeartbeatSeconds,
	}
	if s.opts.Restore && s.cursor != nil {
		cursor := *s.cursor
		params.Cursor = &cursor
	}
	s.mu.Unlock()

	// StreamClient owns connect + SSE transport details. This layer
	// tracks the resume cursor and forwards events to the listener.
	return stream.Run(ctx, grant, params, StreamHandlers{
		OnConnected: func(cursor session.Cursor) {
			s.advanceCursor(cursor)
			s.logger.Info("subscribe stream connected",
				zap.Strings("channels", params.Channels),
				zap.String("timetoken", cursor.Timetoken))
			s.emitStatus(session.StatusEvent{Category: session.StatusConnected})
		},
		OnMessage: func(event session.MessageEvent) {
			s.advanceCursor(session.Cursor{Timetoken: event.Timetoken})
			s.mu.Lock()
			handler := s.listener.OnMessage
			s.mu.Unlock()
			if handler != nil {
				handler(event)
			}
		},
		OnPresence: func(event session.PresenceEvent) {
			s.mu.Lock()
			handler := s.listener.OnPresence
			s.mu.Unlock()
			if handler != nil {
				handler(event)
			}
		},
		OnUnhandled: func(event Event) {
			s.logger.Debug("ignoring stream event", zap.String("event", event.Name))
		},
	})
}

// advanceCursor keeps the resume point current so a reconnect picks up
// where delivery stopped. Region sticks from the last connect event.
func (s *SubscriptionSet) advanceCursor(cursor session.Cursor) {
	if cursor.Timetoken == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor == nil {
		s.cursor = &session.Cursor{}
	}
	s.cursor.Timetoken = cursor.Timetoken
	if cursor.Region > 0 {
		s.cursor.Region = cursor.Region
	}
}

func (s *SubscriptionSet) emitStatus(event session.StatusEvent) {
	s.mu.Lock()
	handler := s.listener.OnStatus
	s.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

func isExpectedReconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, ErrGrantRefreshDue)
}

func statusCodeOf(err error) int {
	statusErr := &StatusError{}
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
