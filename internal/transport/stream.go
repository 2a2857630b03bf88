package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"pulsewire/internal/session"
)

// ErrGrantRefreshDue marks a planned stream teardown so the caller can
// fetch a fresh grant and reconnect without treating it as a failure.
var ErrGrantRefreshDue = errors.New("subscribe grant refresh due")

// StreamParams shape the subscribe request for one stream connection.
type StreamParams struct {
	ClientID      string
	Channels      []string
	ChannelGroups []string
	FilterExpr    string
	WithPresence  bool
	Heartbeat     int
	Cursor        *session.Cursor
}

type StreamHandlers struct {
	OnConnected func(session.Cursor)
	OnMessage   func(session.MessageEvent)
	OnPresence  func(session.PresenceEvent)
	OnUnhandled func(Event)
}

// StreamClient runs one long-lived SSE subscribe session at a time.
// Each Run call blocks until the stream ends from context cancel, a
// stream error, or the grant refresh boundary.
type StreamClient struct {
	HTTP         *http.Client
	SubscribeURL string
	RefreshLead  time.Duration
	ForceHTTP1   bool
	Logger       *zap.Logger
}

type connectPayload struct {
	Timetoken string `json:"timetoken"`
	Region    int    `json:"region"`
}

type messagePayload struct {
	Channel   string          `json:"channel"`
	Timetoken string          `json:"timetoken"`
	Publisher string          `json:"publisher"`
	Payload   json.RawMessage `json:"payload"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

type presencePayload struct {
	Channel   string `json:"channel"`
	Action    string `json:"action"`
	UUID      string `json:"uuid"`
	Occupancy int    `json:"occupancy"`
	Timetoken string `json:"timetoken"`
}

func (s StreamClient) Run(ctx context.Context, grant Grant, params StreamParams, handlers StreamHandlers) error {
	if s.Logger == nil {
		panic("transport.StreamClient.Run: logger must not be nil")
	}

	refreshAfter := time.Duration(grant.RefreshAfterSeconds) * time.Second
	if refreshAfter <= 0 && grant.ExpiresAt > 0 {
		lead := s.RefreshLead
		if lead <= 0 {
			lead = 10 * time.Second
		}
		refreshAfter = time.Until(time.Unix(grant.ExpiresAt, 0).Add(-lead))
	}
	if refreshAfter <= 0 {
		refreshAfter = time.Minute
	}
	s.Logger.Debug("starting subscribe stream",
		zap.Strings("channels", params.Channels),
		zap.Strings("channel_groups", params.ChannelGroups),
		zap.String("refresh_after", refreshAfter.String()),
	)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, s.subscribeEndpoint(params), nil)
	if reqErr != nil {
		return reqErr
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+grant.Token)

	httpClient := s.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	// SSE is a long-lived stream; disable whole-request timeout so the body can
	// stay open until server disconnect/reconnect boundaries.
	streamHTTP := *httpClient
	streamHTTP.Timeout = 0
	if s.ForceHTTP1 {
		streamHTTP.Transport = http1OnlyRoundTripper(streamHTTP.Transport)
	}

	resp, respErr := streamHTTP.Do(req)
	if respErr != nil {
		return respErr
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		s.Logger.Warn("subscribe connect failed",
			zap.String("status", resp.Status),
			zap.ByteString("response", data),
		)
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	defer resp.Body.Close()

	events := make(chan Event, 16)
	streamErrs := make(chan error, 1)
	go readSSEEvents(resp.Body, events, streamErrs)

	refreshTimer := time.NewTimer(refreshAfter)
	defer refreshTimer.Stop()

	connected := false
	for {
		select {
		case <-ctx.Done():
			s.Logger.Debug("stopping subscribe stream: context canceled", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-refreshTimer.C:
			s.Logger.Debug("subscribe grant refresh boundary reached")
			return ErrGrantRefreshDue
		case streamErr := <-streamErrs:
			s.Logger.Debug("subscribe stream ended", zap.Error(streamErr))
			return streamErr
		case event, ok := <-events:
			if !ok {
				return io.EOF
			}

			switch event.Name {
			case "connect":
				payload := connectPayload{}
				if unmarshalErr := json.Unmarshal(event.Data, &payload); unmarshalErr != nil {
					return fmt.Errorf("invalid connect payload: %w", unmarshalErr)
				}
				if connected {
					s.Logger.Debug("ignoring duplicate connect event", zap.String("timetoken", payload.Timetoken))
					continue
				}
				connected = true
				if handlers.OnConnected != nil {
					handlers.OnConnected(session.Cursor{Timetoken: payload.Timetoken, Region: payload.Region})
				}
			case "message":
				payload := messagePayload{}
				if unmarshalErr := json.Unmarshal(event.Data, &payload); unmarshalErr != nil {
					s.Logger.Warn("failed to decode message payload", zap.Error(unmarshalErr))
					continue
				}
				if handlers.OnMessage != nil {
					handlers.OnMessage(session.MessageEvent{
						Channel:   payload.Channel,
						Timetoken: payload.Timetoken,
						Publisher: payload.Publisher,
						Payload:   payload.Payload,
						Meta:      payload.Meta,
					})
				}
			case "presence":
				payload := presencePayload{}
				if unmarshalErr := json.Unmarshal(event.Data, &payload); unmarshalErr != nil {
					s.Logger.Warn("failed to decode presence payload", zap.Error(unmarshalErr))
					continue
				}
				if handlers.OnPresence != nil {
					handlers.OnPresence(session.PresenceEvent{
						Channel:   payload.Channel,
						Action:    payload.Action,
						UUID:      payload.UUID,
						Occupancy: payload.Occupancy,
						Timetoken: payload.Timetoken,
					})
				}
			default:
				if handlers.OnUnhandled != nil {
					handlers.OnUnhandled(event)
				}
			}
		}
	}
}

func (s StreamClient) subscribeEndpoint(params StreamParams) string {
	query := url.Values{}
	query.Set("uuid", params.ClientID)
	if len(params.Channels) > 0 {
		query.Set("channels", strings.Join(params.Channels, ","))
	}
	if len(params.ChannelGroups) > 0 {
		query.Set("channel-group", strings.Join(params.ChannelGroups, ","))
	}
	if params.FilterExpr != "" {
		query.Set("filter-expr", params.FilterExpr)
	}
	if params.WithPresence {
		query.Set("presence", "true")
	}
	if params.Heartbeat > 0 {
		query.Set("heartbeat", strconv.Itoa(params.Heartbeat))
	}
	if params.Cursor != nil && params.Cursor.Timetoken != "" {
		query.Set("tt", params.Cursor.Timetoken)
		if params.Cursor.Region > 0 {
			query.Set("tr", strconv.Itoa(params.Cursor.Region))
		}
	}
	return s.SubscribeURL + "?" + query.Encode()
}

func http1OnlyRoundTripper(rt http.RoundTripper) http.RoundTripper {
	switch transport := rt.(type) {
	case nil:
		base, ok := http.DefaultTransport.(*http.Transport)
		if !ok {
			return rt
		}
		clone := base.Clone()
		disableHTTP2(clone)
		return clone
	case *http.Transport:
		clone := transport.Clone()
		disableHTTP2(clone)
		return clone
	default:
		// Custom transports (eg test round-trippers) may not support HTTP/2 anyway.
		return rt
	}
}

func disableHTTP2(transport *http.Transport) {
	transport.ForceAttemptHTTP2 = false
	transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
}
