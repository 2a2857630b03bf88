// Package runstatus defines the user-facing daemon status labels and
// their canonical lookup keys.
package runstatus

import "strings"

const (
	Subscribing      = "Subscribing"
	Connected        = "Connected"
	Reconnecting     = "Reconnecting"
	Drifted          = "Drift detected"
	Disconnected     = "Disconnected"
	DisconnectedAuth = "Disconnected (auth)"
)

const (
	KeySubscribing      = "subscribing"
	KeyConnected        = "connected"
	KeyReconnecting     = "reconnecting"
	KeyDrifted          = "drift detected"
	KeyDisconnected     = "disconnected"
	KeyDisconnectedAuth = "disconnected (auth)"
)

func Key(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
