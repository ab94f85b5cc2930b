// Package session manages authentication state for a device: which identity
// is signed in, where its credentials persist, and the supervisor that tears
// the session down on explicit logout, idle timeout, or server-declared
// invalidation.
package session

import (
	"context"
	"encoding/json"
)

// Kind names an identity slot. Exactly one kind is active at a time; the
// Supervisor clears the other kind's credentials on every login.
type Kind string

const (
	// KindPrimary is the identity with a server-side "who am I" endpoint.
	KindPrimary Kind = "primary"
	// KindSecondary is the identity restored from a persisted profile
	// snapshot, as it has no server-side lookup.
	KindSecondary Kind = "secondary"
)

// Reason records why a session ended.
type Reason string

const (
	// ReasonExplicit is a user-initiated logout.
	ReasonExplicit Reason = "explicit"
	// ReasonIdle is an automatic logout after the idle window elapsed with
	// no observed activity.
	ReasonIdle Reason = "idle"
	// ReasonInvalidated is a server-declared termination, typically because
	// the same identity authenticated on another device.
	ReasonInvalidated Reason = "invalidated"
)

// Credentials carries a login attempt's inputs.
type Credentials struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

// LoginResult is a successful authentication: the bearer token and the
// identity's profile payload.
type LoginResult struct {
	Token   string          `json:"token"`
	Profile json.RawMessage `json:"profile"`
}

// AuthAPI is the remote authentication boundary the Supervisor drives.
type AuthAPI interface {
	// Login authenticates the given identity kind.
	Login(ctx context.Context, kind Kind, creds Credentials) (LoginResult, error)
	// WhoAmI resolves the currently-authenticated primary identity.
	WhoAmI(ctx context.Context) (json.RawMessage, error)
	// Ping is a lightweight authenticated liveness call.
	Ping(ctx context.Context) error
	// Logout invalidates the session server-side. Best-effort.
	Logout(ctx context.Context) error
}

// Notifier receives the user-visible notification when a session is ended
// by something other than an explicit logout.
type Notifier interface {
	SessionEnded(kind Kind, reason Reason)
}
