package transport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"pulsewire/internal/session"
)

func TestReadSSEEvents_ParsesMultilineData(t *testing.T) {
	in := strings.NewReader("event: message\ndata: line1\ndata: line2\n\n")
	out := make(chan Event, 2)
	errs := make(chan error, 1)
	readSSEEvents(in, out, errs)

	ev := <-out
	if ev.Name != "message" || string(ev.Data) != "line1\nline2" {
		t.Fatalf("event = %#v", ev)
	}
	if err := <-errs; err != io.EOF {
		t.Fatalf("stream err = %v, want io.EOF", err)
	}
}

func sseTransport(t *testing.T, script []string, capture *string) *http.Client {
	t.Helper()
	return &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			if capture != nil {
				*capture = r.URL.String()
			}
			if got := r.Header.Get("Authorization"); got != "Bearer grant-token" {
				t.Fatalf("Authorization = %q", got)
			}
			pr, pw := io.Pipe()
			go func() {
				defer pw.Close()
				for _, chunk := range script {
					_, _ = io.WriteString(pw, chunk)
					time.Sleep(5 * time.Millisecond)
				}
			}()
			h := make(http.Header)
			h.Set("Content-Type", "text/event-stream")
			return &http.Response{
				StatusCode: http.StatusOK,
				Status:     "200 OK",
				Header:     h,
				Body:       pr,
				Request:    r,
			}, nil
		}),
	}
}

func TestStreamClient_Run_DispatchesEvents(t *testing.T) {
	var gotURL string
	httpClient := sseTransport(t, []string{
		"event: connect\ndata: {\"timetoken\":\"17000000000000100\",\"region\":2}\n\n",
		"event: connect\ndata: {\"timetoken\":\"17000000000000100\",\"region\":2}\n\n",
		"event: message\ndata: {\"channel\":\"alerts\",\"timetoken\":\"17000000000000200\",\"publisher\":\"sender-1\",\"payload\":{\"text\":\"hi\"}}\n\n",
		"event: presence\ndata: {\"channel\":\"alerts\",\"action\":\"join\",\"uuid\":\"u1\",\"occupancy\":3,\"timetoken\":\"17000000000000300\"}\n\n",
		"event: keepalive\ndata: {}\n\n",
	}, &gotURL)

	var connects int
	var gotCursor session.Cursor
	var messages []session.MessageEvent
	var presences []session.PresenceEvent
	var unhandled []string

	stream := StreamClient{
		HTTP:         httpClient,
		SubscribeURL: "https://example.test/v1/subscribe",
		Logger:       zap.NewNop(),
	}
	cursor := &session.Cursor{Timetoken: "17000000000000000", Region: 1}
	err := stream.Run(context.Background(),
		Grant{Token: "grant-token", RefreshAfterSeconds: 3600},
		StreamParams{
			ClientID:     "client-1",
			Channels:     []string{"alerts"},
			FilterExpr:   "data.status == 'active'",
			WithPresence: true,
			Heartbeat:    300,
			Cursor:       cursor,
		},
		StreamHandlers{
			OnConnected: func(c session.Cursor) {
				connects++
				gotCursor = c
			},
			OnMessage:  func(ev session.MessageEvent) { messages = append(messages, ev) },
			OnPresence: func(ev session.PresenceEvent) { presences = append(presences, ev) },
			OnUnhandled: func(ev Event) {
				unhandled = append(unhandled, ev.Name)
			},
		},
	)
	if err != io.EOF {
		t.Fatalf("Run() err = %v, want io.EOF", err)
	}
	if connects != 1 {
		t.Fatalf("connect count = %d, want 1 (duplicate connect ignored)", connects)
	}
	if gotCursor.Timetoken != "17000000000000100" || gotCursor.Region != 2 {
		t.Fatalf("cursor = %#v", gotCursor)
	}
	if len(messages) != 1 || messages[0].Publisher != "sender-1" || string(messages[0].Payload) != `{"text":"hi"}` {
		t.Fatalf("messages = %#v", messages)
	}
	if len(presences) != 1 || presences[0].Action != "join" || presences[0].Occupancy != 3 {
		t.Fatalf("presences = %#v", presences)
	}
	if len(unhandled) != 1 || unhandled[0] != "keepalive" {
		t.Fatalf("unhandled = %v", unhandled)
	}
	for _, want := range []string{
		"channels=alerts",
		"filter-expr=", // encoded expression follows
		"presence=true",
		"heartbeat=300",
		"tt=17000000000000000",
		"tr=1",
		"uuid=client-1",
	} {
		if !strings.Contains(gotURL, want) {
			t.Fatalf("subscribe URL missing %q: %s", want, gotURL)
		}
	}
}

func TestStreamClient_Run_RefreshBoundary(t *testing.T) {
	httpClient := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			pr, _ := io.Pipe() // stream never produces events
			h := make(http.Header)
			h.Set("Content-Type", "text/event-stream")
			return &http.Response{
				StatusCode: http.StatusOK,
				Status:     "200 OK",
				Header:     h,
				Body:       pr,
				Request:    r,
			}, nil
		}),
	}

	stream := StreamClient{
		HTTP:         httpClient,
		SubscribeURL: "https://example.test/v1/subscribe",
		Logger:       zap.NewNop(),
	}
	// shortest expressible refresh window
	err := stream.Run(context.Background(),
		Grant{Token: "grant-token", RefreshAfterSeconds: 1},
		StreamParams{ClientID: "client-1", Channels: []string{"alerts"}},
		StreamHandlers{},
	)
	if err != ErrGrantRefreshDue {
		t.Fatalf("Run() err = %v, want ErrGrantRefreshDue", err)
	}
}

func TestStreamClient_Run_RejectedConnectIsTyped(t *testing.T) {
	httpClient := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusUnauthorized,
				Status:     "401 Unauthorized",
				Header:     make(http.Header),
				Body:       io.NopCloser(strings.NewReader(`{"message":"bad grant"}`)),
				Request:    r,
			}, nil
		}),
	}

	stream := StreamClient{
		HTTP:         httpClient,
		SubscribeURL: "https://example.test/v1/subscribe",
		Logger:       zap.NewNop(),
	}
	err := stream.Run(context.Background(),
		Grant{Token: "grant-token", RefreshAfterSeconds: 60},
		StreamParams{ClientID: "client-1", Channels: []string{"alerts"}},
		StreamHandlers{},
	)
	if !IsUnauthorized(err) {
		t.Fatalf("Run() err = %v, want unauthorized status error", err)
	}
}
