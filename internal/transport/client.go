// Package transport is the concrete HTTP transport behind the session
// core: service calls for publish/history/grant plus the long-lived SSE
// subscribe stream. Everything here speaks the service's wire shapes;
// the packages above it only see normalized events and plain results.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"pulsewire/internal/config"
	"pulsewire/internal/history"
	"pulsewire/internal/publish"
)

const maxErrorBody = 2048

// Keys is the credential set for one key pair.
type Keys struct {
	SubscribeKey string
	PublishKey   string
	AuthToken    string
}

type Client struct {
	http      *http.Client
	keys      Keys
	endpoints config.Endpoints
	logger    *zap.Logger

	mu        sync.RWMutex
	authToken string
}

func New(httpClient *http.Client, keys Keys, endpoints config.Endpoints, logger *zap.Logger) *Client {
	if logger == nil {
		panic("transport.New: logger must not be nil")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:      httpClient,
		keys:      keys,
		endpoints: endpoints,
		logger:    logger,
		authToken: keys.AuthToken,
	}
}

// AuthToken returns the credential currently applied to requests.
func (c *Client) AuthToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

// SetAuthToken swaps the active credential; an empty token clears it.
// Used by the publish pipeline's transient override.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()
}

type publishResponse struct {
	Timetoken string `json:"timetoken"`
}

// Publish performs one publish attempt and returns the service-assigned
// sequence token. SendByPost switches from query-encoded GET to a JSON
// body POST for large or binary-ish payloads.
func (c *Client) Publish(ctx context.Context, params publish.Params) (string, error) {
	var req *http.Request
	var err error

	if params.SendByPost {
		body := map[string]any{
			"channel": params.Channel,
			"message": params.Message,
			"store":   params.StoreInHistory,
		}
		if params.Meta != nil {
			body["meta"] = params.Meta
		}
		if params.HasTTL {
			body["ttl"] = params.TTLHours
		}
		if params.CustomType != "" {
			body["custom_type"] = params.CustomType
		}
		encoded, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return "", fmt.Errorf("encode publish body: %w", marshalErr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.PublishURL, bytes.NewReader(encoded))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		message, marshalErr := json.Marshal(params.Message)
		if marshalErr != nil {
			return "", fmt.Errorf("encode publish message: %w", marshalErr)
		}
		query := url.Values{}
		query.Set("channel", params.Channel)
		query.Set("message", string(message))
		query.Set("store", strconv.FormatBool(params.StoreInHistory))
		if params.Meta != nil {
			meta, metaErr := json.Marshal(params.Meta)
			if metaErr != nil {
				return "", fmt.Errorf("encode publish meta: %w", metaErr)
			}
			query.Set("meta", string(meta))
		}
		if params.HasTTL {
			query.Set("ttl", strconv.Itoa(params.TTLHours))
		}
		if params.CustomType != "" {
			query.Set("custom_type", params.CustomType)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.PublishURL+"?"+query.Encode(), nil)
		if err != nil {
			return "", err
		}
	}
	c.setAuthHeaders(req)
	req.Header.Set("X-Pulse-Publish-Key", c.keys.PublishKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	c.logger.Debug("publish request", zap.String("channel", params.Channel), zap.String("status", resp.Status))

	data, err := c.readBody(resp)
	if err != nil {
		return "", err
	}
	parsed := publishResponse{}
	if unmarshalErr := json.Unmarshal(data, &parsed); unmarshalErr != nil {
		return "", fmt.Errorf("invalid publish response: %w", unmarshalErr)
	}
	return parsed.Timetoken, nil
}

type historyResponse struct {
	Items []history.Item `json:"items"`
	Count int            `json:"count"`
}

// HistoryPage fetches one page of stored messages, at most 100 items.
func (c *Client) HistoryPage(ctx context.Context, params history.PageParams) (history.Page, error) {
	query := url.Values{}
	if params.Start != "" {
		query.Set("start", params.Start)
	}
	if params.End != "" {
		query.Set("end", params.End)
	}
	if params.Count > 0 {
		query.Set("count", strconv.Itoa(params.Count))
	}

	endpoint := c.endpoints.HistoryURL + "/" + url.PathEscape(params.Channel)
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return history.Page{}, err
	}
	c.setAuthHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return history.Page{}, err
	}
	defer resp.Body.Close()
	c.logger.Debug("history page request", zap.String("channel", params.Channel), zap.String("status", resp.Status))

	data, err := c.readBody(resp)
	if err != nil {
		return history.Page{}, err
	}
	parsed := historyResponse{}
	if unmarshalErr := json.Unmarshal(data, &parsed); unmarshalErr != nil {
		return history.Page{}, fmt.Errorf("invalid history response: %w", unmarshalErr)
	}
	return history.Page{Items: parsed.Items, Count: parsed.Count}, nil
}

// DeleteMessages removes stored messages in (start, end]. Callers build
// the exclusive start bound with history.DeleteBounds.
func (c *Client) DeleteMessages(ctx context.Context, channel, start, end string) error {
	query := url.Values{}
	if start != "" {
		query.Set("start", start)
	}
	if end != "" {
		query.Set("end", end)
	}
	endpoint := c.endpoints.DeleteURL + "/" + url.PathEscape(channel)
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	c.setAuthHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	c.logger.Debug("delete request", zap.String("channel", channel), zap.String("status", resp.Status))

	_, err = c.readBody(resp)
	return err
}

// Grant is a short-lived subscribe credential for the event stream.
type Grant struct {
	Token               string `json:"token"`
	ExpiresAt           int64  `json:"expires_at"`
	RefreshAfterSeconds int64  `json:"refresh_after_seconds"`
}

// GrantSubscribe exchanges the key-set credentials for a stream grant.
func (c *Client) GrantSubscribe(ctx context.Context) (Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.GrantURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return Grant{}, err
	}
	defer resp.Body.Close()
	c.logger.Debug("grant request", zap.String("status", resp.Status))

	data, err := c.readBody(resp)
	if err != nil {
		return Grant{}, err
	}
	grant := Grant{}
	if unmarshalErr := json.Unmarshal(data, &grant); unmarshalErr != nil {
		return Grant{}, fmt.Errorf("invalid grant response: %w", unmarshalErr)
	}
	if grant.Token == "" {
		return Grant{}, fmt.Errorf("grant response missing token")
	}
	return grant, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	req.Header.Set("X-Pulse-Subscribe-Key", c.keys.SubscribeKey)
	if token := c.AuthToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// readBody drains the response, converting >=400 statuses to a typed
// StatusError carrying a bounded slice of the body for logs.
func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		snippet := data
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		c.logger.Warn("service request rejected",
			zap.String("status", resp.Status),
			zap.ByteString("response", snippet),
		)
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return data, nil
}
