package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"pulsewire/internal/filter"
	"pulsewire/internal/session"
)

// Profile is the YAML subscription profile: which channels and groups to
// listen to, presence options, and the filter rules. Edits to the file
// reach the live session through the watcher as configuration drift.
type Profile struct {
	Channels      []string     `mapstructure:"channels"`
	ChannelGroups []string     `mapstructure:"channel_groups"`
	Presence      bool         `mapstructure:"presence"`
	Heartbeat     bool         `mapstructure:"heartbeat"`
	Restore       bool         `mapstructure:"restore"`
	Cursor        string       `mapstructure:"cursor"`
	Logic         string       `mapstructure:"logic"`
	Filters       []FilterRule `mapstructure:"filters"`
}

type FilterRule struct {
	Target     string `mapstructure:"target"`
	Field      string `mapstructure:"field"`
	Operator   string `mapstructure:"operator"`
	Value      string `mapstructure:"value"`
	Type       string `mapstructure:"type"`
	LogicAfter string `mapstructure:"logic_after"`
}

func LoadProfile(path string) (Profile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("logic", "and")
	v.SetDefault("presence", false)
	v.SetDefault("heartbeat", true)

	if err := v.ReadInConfig(); err != nil {
		return Profile{}, fmt.Errorf("read profile %s: %w", path, err)
	}
	profile := Profile{}
	if err := v.Unmarshal(&profile); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return profile, nil
}

// SessionConfig maps the profile onto the session's configuration shape.
func (p Profile) SessionConfig(heartbeatSeconds int) (session.Config, error) {
	set := filter.Set{Logic: parseLogic(p.Logic)}
	for i, rule := range p.Filters {
		cond, err := rule.condition(i + 1)
		if err != nil {
			return session.Config{}, err
		}
		set.Conditions = append(set.Conditions, cond)
	}

	cfg := session.Config{
		Channels:           p.Channels,
		ChannelGroups:      p.ChannelGroups,
		ReceivePresence:    p.Presence,
		WithHeartbeat:      p.Heartbeat,
		HeartbeatSeconds:   heartbeatSeconds,
		RestoreOnReconnect: p.Restore,
		Filters:            set,
	}
	if cursor := strings.TrimSpace(p.Cursor); cursor != "" {
		cfg.Cursor = &session.Cursor{Timetoken: cursor}
	}
	return cfg, nil
}

func (r FilterRule) condition(id int) (filter.Condition, error) {
	target := filter.Target(strings.ToLower(strings.TrimSpace(r.Target)))
	if target == "" {
		target = filter.TargetData
	}
	if target != filter.TargetData && target != filter.TargetMeta {
		return filter.Condition{}, fmt.Errorf("filter %d: unknown target %q", id, r.Target)
	}

	op, err := parseOperator(r.Operator)
	if err != nil {
		return filter.Condition{}, fmt.Errorf("filter %d: %w", id, err)
	}

	valueType := filter.ValueType(strings.ToLower(strings.TrimSpace(r.Type)))
	if valueType == "" {
		valueType = filter.TypeString
	}
	switch valueType {
	case filter.TypeString, filter.TypeNumber, filter.TypeBoolean, filter.TypeExpression:
	default:
		return filter.Condition{}, fmt.Errorf("filter %d: unknown value type %q", id, r.Type)
	}

	cond := filter.Condition{
		ID:       id,
		Target:   target,
		Field:    r.Field,
		Operator: op,
		Value:    r.Value,
		Type:     valueType,
	}
	if after := strings.TrimSpace(r.LogicAfter); after != "" {
		cond.LogicAfter = parseLogic(after)
	}
	return cond, nil
}

func parseOperator(raw string) (filter.Operator, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "==", "EQ":
		return filter.OpEqual, nil
	case "!=", "NE":
		return filter.OpNotEqual, nil
	case ">", "GT":
		return filter.OpGreater, nil
	case "<", "LT":
		return filter.OpLess, nil
	case ">=", "GTE":
		return filter.OpGreaterEqual, nil
	case "<=", "LTE":
		return filter.OpLessEqual, nil
	case "LIKE":
		return filter.OpLike, nil
	case "CONTAINS":
		return filter.OpContains, nil
	case "NOT_CONTAINS", "NOT CONTAINS":
		return filter.OpNotContains, nil
	default:
		return "", fmt.Errorf("unknown operator %q", raw)
	}
}

func parseLogic(raw string) filter.Logic {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "or", "||":
		return filter.LogicOr
	default:
		return filter.LogicAnd
	}
}
