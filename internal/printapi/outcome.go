package printapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/printbridge/printproxy/internal/environment"
)

// ErrorKind classifies why a login or registration attempt failed.
type ErrorKind string

const (
	// KindInvalidEnvironment means the caller named an unknown environment.
	KindInvalidEnvironment ErrorKind = "invalid_environment"
	// KindMissingCredentials means the environment's configured credentials
	// are incomplete; no upstream call was attempted.
	KindMissingCredentials ErrorKind = "missing_credentials"
	// KindMissingAuthentication means a registration lacked the token or
	// credentials its environment's auth mode requires.
	KindMissingAuthentication ErrorKind = "missing_authentication"
	// KindNoTokenReturned means the upstream responded without a token field.
	KindNoTokenReturned ErrorKind = "no_token_returned"
	// KindUpstreamRejected means the upstream returned an error status; the
	// status and body are passed through.
	KindUpstreamRejected ErrorKind = "upstream_rejected"
	// KindUnreachable means no response was received (transport failure or
	// timeout).
	KindUnreachable ErrorKind = "unreachable"
)

// Failure is a classified attempt failure. Validation failures never reach
// the network; upstream failures are caught and classified, never left as
// raw transport errors.
type Failure struct {
	Kind    ErrorKind
	Message string
	// Missing lists the absent credential fields for KindMissingCredentials.
	Missing []environment.Field
	// Status and Body carry the upstream response for KindUpstreamRejected.
	Status int
	Body   json.RawMessage
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// HTTPStatus maps the failure to the status the proxy should answer with.
func (f *Failure) HTTPStatus() int {
	switch f.Kind {
	case KindInvalidEnvironment, KindMissingCredentials, KindMissingAuthentication:
		return http.StatusBadRequest
	case KindNoTokenReturned:
		return http.StatusBadGateway
	case KindUpstreamRejected:
		if f.Status >= 400 {
			return f.Status
		}
		return http.StatusBadGateway
	case KindUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// LoginResult is a successful login handshake. Every call re-authenticates
// upstream; results are never cached.
type LoginResult struct {
	// EnvironmentID is the wire identifier of the authenticated environment.
	EnvironmentID string
	// Environment is the environment's display name.
	Environment string
	// Token is the raw token string as returned by the upstream.
	Token string
	// JWT is the normalized token with any "Bearer " prefix stripped.
	JWT string
}

// RegisterResult is a successful registration forward.
type RegisterResult struct {
	EnvironmentID string
	Environment   string
	// Body is the upstream response body merged with the environment's
	// display name.
	Body map[string]any
}

// ProbeResult reports whether an environment's upstream answered a
// reachability check. Any response at all, error statuses included, counts
// as reachable.
type ProbeResult struct {
	EnvironmentID string    `json:"environment"`
	Reachable     bool      `json:"reachable"`
	Status        int       `json:"status,omitempty"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// Credentials is the account pair used for basic-auth registration.
type Credentials struct {
	AccountID string `json:"accountId"`
	APIKey    string `json:"apiKey"`
}

// AuthMaterial carries the client-supplied authorization for a registration.
// Which field is required depends on the resolved environment's auth mode.
type AuthMaterial struct {
	// Token is a bearer token from a prior login (previewUat).
	Token string
	// Credentials is the account pair for basic auth (production).
	Credentials *Credentials
}
