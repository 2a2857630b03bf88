package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"pulsewire/internal/session"
)

func subscriptionTestClient(t *testing.T) *Client {
	t.Helper()
	httpClient := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			switch {
			case strings.HasSuffix(r.URL.Path, "/v1/grant"):
				return jsonResponse(r, http.StatusOK, `{"token":"grant-token","refresh_after_seconds":3600}`), nil
			case strings.HasSuffix(r.URL.Path, "/v1/subscribe"):
				pr, pw := io.Pipe()
				go func() {
					_, _ = io.WriteString(pw, "event: connect\ndata: {\"timetoken\":\"17000000000000100\",\"region\":1}\n\n")
					time.Sleep(5 * time.Millisecond)
					_, _ = io.WriteString(pw, "event: message\ndata: {\"channel\":\"alerts\",\"timetoken\":\"17000000000000200\",\"payload\":{\"n\":1}}\n\n")
					// stream stays open until the session is torn down
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
			default:
				return jsonResponse(r, http.StatusNotFound, `{}`), nil
			}
		}),
	}
	return New(httpClient, Keys{SubscribeKey: "sk"}, testEndpoints(), zap.NewNop())
}

func TestSubscriptionSet_SubscribeDeliversEventsAndUnsubscribes(t *testing.T) {
	set := NewSubscriptionSet(subscriptionTestClient(t), session.Options{
		Channels:         []string{"alerts"},
		WithPresence:     true,
		HeartbeatSeconds: 300,
	}, zap.NewNop())

	if set.ClientID() == "" {
		t.Fatalf("ClientID() is empty")
	}
	if err := set.SetFilterExpression("data.status == 'active'"); err != nil {
		t.Fatalf("SetFilterExpression() error = %v", err)
	}

	statuses := make(chan session.StatusEvent, 8)
	messages := make(chan session.MessageEvent, 8)
	set.AddListener(session.Listener{
		OnMessage: func(ev session.MessageEvent) { messages <- ev },
		OnStatus:  func(ev session.StatusEvent) { statuses <- ev },
	})
	// first registration wins
	set.AddListener(session.Listener{
		OnMessage: func(session.MessageEvent) { t.Errorf("second listener must not receive events") },
	})

	set.Subscribe()

	select {
	case status := <-statuses:
		if status.Category != session.StatusConnected {
			t.Fatalf("first status = %q, want connected", status.Category)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connected status")
	}

	select {
	case message := <-messages:
		if message.Channel != "alerts" || message.Timetoken != "17000000000000200" {
			t.Fatalf("message = %#v", message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}

	if err := set.SetFilterExpression("data.other == 1"); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("SetFilterExpression() while running = %v, want ErrAlreadySubscribed", err)
	}

	set.Unsubscribe()
	select {
	case status := <-statuses:
		if status.Category != session.StatusDisconnected {
			t.Fatalf("status after unsubscribe = %q, want disconnected", status.Category)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for disconnected status")
	}

	// idempotent
	set.Unsubscribe()
}

func TestSubscriptionSet_RestoreSendsCursor(t *testing.T) {
	urls := make(chan string, 1)
	httpClient := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			switch {
			case strings.HasSuffix(r.URL.Path, "/v1/grant"):
				return jsonResponse(r, http.StatusOK, `{"token":"grant-token","refresh_after_seconds":3600}`), nil
			case strings.HasSuffix(r.URL.Path, "/v1/subscribe"):
				select {
				case urls <- r.URL.String():
				default:
				}
				pr, _ := io.Pipe()
				h := make(http.Header)
				h.Set("Content-Type", "text/event-stream")
				return &http.Response{
					StatusCode: http.StatusOK,
					Status:     "200 OK",
					Header:     h,
					Body:       pr,
					Request:    r,
				}, nil
			default:
				return jsonResponse(r, http.StatusNotFound, `{}`), nil
			}
		}),
	}
	client := New(httpClient, Keys{SubscribeKey: "sk"}, testEndpoints(), zap.NewNop())

	set := NewSubscriptionSet(client, session.Options{
		Channels: []string{"alerts"},
		Restore:  true,
		Cursor:   &session.Cursor{Timetoken: "17000000000000555", Region: 4},
	}, zap.NewNop())
	set.AddListener(session.Listener{})
	set.Subscribe()

	var gotURL string
	select {
	case gotURL = <-urls:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for subscribe request")
	}
	set.Unsubscribe()

	if !strings.Contains(gotURL, "tt=17000000000000555") || !strings.Contains(gotURL, "tr=4") {
		t.Fatalf("subscribe URL missing resume cursor: %s", gotURL)
	}
}

func TestIsExpectedReconnect(t *testing.T) {
	if !isExpectedReconnect(io.EOF) {
		t.Fatalf("io.EOF should be an expected reconnect")
	}
	if !isExpectedReconnect(ErrGrantRefreshDue) {
		t.Fatalf("ErrGrantRefreshDue should be an expected reconnect")
	}
	if isExpectedReconnect(context.Canceled) {
		t.Fatalf("context.Canceled is not an expected reconnect")
	}
	if isExpectedReconnect(&StatusError{StatusCode: http.StatusUnauthorized}) {
		t.Fatalf("status errors are not expected reconnects")
	}
}

func TestStatusCodeOf(t *testing.T) {
	if got := statusCodeOf(&StatusError{StatusCode: http.StatusTooManyRequests}); got != http.StatusTooManyRequests {
		t.Fatalf("statusCodeOf() = %d, want 429", got)
	}
	if got := statusCodeOf(io.EOF); got != 0 {
		t.Fatalf("statusCodeOf(io.EOF) = %d, want 0", got)
	}
}
