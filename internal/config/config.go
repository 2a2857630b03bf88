// Package config supplies the plain-data configuration the core
// consumes: CLI/environment options, derived service endpoints, and the
// YAML subscription profile.
package config

import (
	"errors"
	"net/url"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type Options struct {
	Origin       string `long:"origin" env:"PULSEWIRE_ORIGIN" description:"Service base URL (e.g. https://pulse.example.com)"`
	SubscribeKey string `long:"subscribe-key" env:"PULSEWIRE_SUBSCRIBE_KEY" description:"Subscribe key for the key set"`
	PublishKey   string `long:"publish-key" env:"PULSEWIRE_PUBLISH_KEY" description:"Publish key for the key set"`
	AuthToken    string `long:"auth-token" env:"PULSEWIRE_AUTH_TOKEN" description:"Access token applied to requests"`
	Profile      string `long:"profile" env:"PULSEWIRE_PROFILE" description:"Subscription profile file (YAML)"`
	Heartbeat    int    `long:"heartbeat" env:"PULSEWIRE_HEARTBEAT" default:"300" description:"Presence heartbeat interval in seconds"`
	Debug        bool   `long:"debug" env:"PULSEWIRE_DEBUG" description:"Enable verbose debug output"`
}

type Endpoints struct {
	BaseURL      string
	PublishURL   string
	SubscribeURL string
	HistoryURL   string
	DeleteURL    string
	GrantURL     string
}

const (
	publishPath   = "/v1/publish"
	subscribePath = "/v1/subscribe"
	historyPath   = "/v1/history"
	grantPath     = "/v1/grant"
)

// ParseOptions loads a .env file when present, then parses flags and
// environment into Options. Parsing stops at the first positional
// argument, so the command name and everything after it come back in
// rest for the caller to dispatch.
func ParseOptions(args []string) (Options, []string, error) {
	_ = godotenv.Load()
	opts := Options{}
	parser := flags.NewParser(&opts, flags.Default|flags.PassAfterNonOption)
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return Options{}, nil, err
	}
	return opts, rest, nil
}

func ValidateRequired(opts Options) error {
	if strings.TrimSpace(opts.Origin) == "" {
		return errors.New("origin is required")
	}
	if strings.TrimSpace(opts.SubscribeKey) == "" {
		return errors.New("subscribe key is required")
	}
	return nil
}

// EndpointsFrom derives the per-operation URLs from the service origin.
func EndpointsFrom(origin string) (Endpoints, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
	if trimmed == "" {
		return Endpoints{}, errors.New("origin is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return Endpoints{}, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Endpoints{}, errors.New("origin must be an http or https URL")
	}
	return Endpoints{
		BaseURL:      trimmed,
		PublishURL:   trimmed + publishPath,
		SubscribeURL: trimmed + subscribePath,
		HistoryURL:   trimmed + historyPath,
		DeleteURL:    trimmed + historyPath,
		GrantURL:     trimmed + grantPath,
	}, nil
}
