// Package publish validates, normalizes, and executes publish requests
// against the messaging service, with bounded exponential-backoff retry
// and an optional transient auth-token override.
package publish

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"pulsewire/internal/classify"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// Request is one logical publish call as the caller specifies it. Meta
// and TTLHours arrive as raw strings and are validated here.
type Request struct {
	Channel            string
	Message            string
	Meta               string
	TTLHours           string
	CustomType         string
	StoreInHistory     bool
	SendByPost         bool
	TransientAuthToken string
}

// Params is the validated, coerced form handed to the injected publish
// function on every attempt. Validation runs once, not per retry.
type Params struct {
	Channel        string
	Message        any
	Meta           any
	TTLHours       int
	HasTTL         bool
	CustomType     string
	StoreInHistory bool
	SendByPost     bool
}

// Func performs one publish attempt and returns the service-assigned
// sequence token.
type Func func(ctx context.Context, params Params) (string, error)

// TokenStore exposes the active auth credential for transient override.
type TokenStore interface {
	AuthToken() string
	SetAuthToken(token string)
}

// Result covers one logical publish call including all retries.
type Result struct {
	Success   bool
	Timetoken string
	Err       string
	Class     classify.Classification
	Attempts  int
	Duration  time.Duration
	StartedAt time.Time
	Request   Request
}

type Pipeline struct {
	Publish    Func
	Tokens     TokenStore
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Run executes the request. Validation failures return immediately with
// zero attempts; transport failures are retried with delays of
// RetryDelay * 2^(attempt-1) up to MaxRetries total attempts.
func (p Pipeline) Run(ctx context.Context, req Request) Result {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	result := Result{Request: req, StartedAt: time.Now()}
	params, err := buildParams(req)
	if err != nil {
		result.Err = err.Error()
		result.Class = classify.Classify(err)
		logger.Warn("publish request rejected",
			zap.String("channel", req.Channel),
			zap.String("reason", result.Err),
		)
		return result
	}

	start := time.Now()
	timetoken, attempts, err := p.execute(ctx, params, req.TransientAuthToken, logger)
	result.Attempts = attempts
	result.Duration = time.Since(start)

	if err != nil {
		result.Err = err.Error()
		result.Class = classify.Classify(err)
		logger.Warn("publish failed",
			zap.String("channel", req.Channel),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return result
	}

	result.Success = true
	result.Timetoken = timetoken
	logger.Info("publish succeeded",
		zap.String("channel", req.Channel),
		zap.String("timetoken", timetoken),
		zap.Int("attempts", attempts),
	)
	return result
}

// execute runs the retry loop. When a transient token is supplied the
// active credential is swapped in for the duration and restored (or
// cleared, when none existed) no matter how the attempts end.
func (p Pipeline) execute(ctx context.Context, params Params, transientToken string, logger *zap.Logger) (string, int, error) {
	if transientToken != "" && p.Tokens != nil {
		previous := p.Tokens.AuthToken()
		p.Tokens.SetAuthToken(transientToken)
		defer p.Tokens.SetAuthToken(previous)
	}

	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := p.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = retryDelay
	retry.Multiplier = 2
	retry.RandomizationFactor = 0
	retry.MaxInterval = retryDelay * time.Duration(1<<uint(maxRetries))

	attempts := 0
	timetoken, err := backoff.Retry(ctx, func() (string, error) {
		attempts++
		tt, attemptErr := p.Publish(ctx, params)
		if attemptErr != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(attemptErr)
			}
			return "", attemptErr
		}
		return tt, nil
	},
		backoff.WithBackOff(retry),
		backoff.WithMaxTries(uint(maxRetries)),
		backoff.WithNotify(func(attemptErr error, next time.Duration) {
			logger.Debug("retrying publish",
				zap.Int("attempt", attempts),
				zap.Error(attemptErr),
				zap.String("next_retry", next.String()),
			)
		}),
	)
	return timetoken, attempts, err
}

// buildParams validates the request and produces the attempt payload.
func buildParams(req Request) (Params, error) {
	if strings.TrimSpace(req.Channel) == "" {
		return Params{}, &classify.ValidationError{Field: "channel", Reason: "channel is required"}
	}
	if strings.TrimSpace(req.Message) == "" {
		return Params{}, &classify.ValidationError{Field: "message", Reason: "message is required"}
	}

	params := Params{
		Channel:        req.Channel,
		Message:        coerceMessage(req.Message),
		CustomType:     req.CustomType,
		StoreInHistory: req.StoreInHistory,
		SendByPost:     req.SendByPost,
	}

	if meta := strings.TrimSpace(req.Meta); meta != "" {
		var parsed any
		if err := json.Unmarshal([]byte(meta), &parsed); err != nil {
			return Params{}, &classify.ValidationError{Field: "meta", Reason: "metadata must be valid JSON"}
		}
		params.Meta = parsed
	}

	if ttl := strings.TrimSpace(req.TTLHours); ttl != "" {
		hours, err := strconv.Atoi(ttl)
		if err != nil || hours < 0 {
			return Params{}, &classify.ValidationError{Field: "ttl", Reason: "ttl must be a non-negative integer number of hours"}
		}
		params.TTLHours = hours
		params.HasTTL = true
	}

	return params, nil
}

// coerceMessage sends well-formed JSON as structure and anything else as
// the raw string. Best effort only, never an error.
func coerceMessage(message string) any {
	var parsed any
	if err := json.Unmarshal([]byte(message), &parsed); err == nil {
		return parsed
	}
	return message
}
