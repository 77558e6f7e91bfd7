// Package aquabridge provides a public facade re-exporting core types
// for external consumers of this module.
package aquabridge

import (
	"github.com/nwestergaard/aquabridge/internal/core/device"
	"github.com/nwestergaard/aquabridge/internal/core/push"
	"github.com/nwestergaard/aquabridge/internal/core/session"
)

// Re-export core types for external use.
type (
	// Session holds the authenticated token pair and keeps it fresh.
	Session = session.Session
	// TokenKind selects which bearer an endpoint requires.
	TokenKind = session.TokenKind
	// CredentialError is a permanent authentication failure.
	CredentialError = session.CredentialError
	// TransientAuthError reports exhausted authentication retries.
	TransientAuthError = session.TransientAuthError
	// Snapshot is the merged state of one device.
	Snapshot = device.Snapshot
	// Update is a partial delta from either channel.
	Update = device.Update
	// Event represents a snapshot change.
	Event = device.Event
	// PushClient maintains the broker connection and subscription set.
	PushClient = push.Client
	// ConnState is the push connection state.
	ConnState = push.State
)

// Token kind constants.
const (
	AccessToken   = session.AccessToken
	IdentityToken = session.IdentityToken
)

// Push connection states.
const (
	Disconnected = push.Disconnected
	Connecting   = push.Connecting
	Connected    = push.Connected
)
