// Package environment describes the upstream print-service deployments the
// proxy can authenticate against and validates the credentials configured
// for each of them.
package environment

// AuthMode selects how requests to an environment are authorized.
type AuthMode string

const (
	// AuthModeBearer authorizes with a token obtained from a prior login.
	AuthModeBearer AuthMode = "bearer"
	// AuthModeBasic authorizes with a base64-encoded accountId:apiKey pair.
	AuthModeBasic AuthMode = "basic"
)

// Field names a credential field as it appears in configuration and in
// upstream payloads.
type Field string

const (
	FieldAccountID Field = "accountId"
	FieldAPIKey    Field = "apiKey"
	FieldAgentKey  Field = "agentKey"
)

// fieldOrder is the fixed reporting order for missing credential fields.
var fieldOrder = []Field{FieldAccountID, FieldAPIKey, FieldAgentKey}

// Well-known environment identifiers.
const (
	PreviewUAT = "previewUat"
	Production = "production"
)

// Config describes a single upstream deployment target. Configs are built
// once at startup and never mutated afterwards, so they are safe to share
// across goroutines.
type Config struct {
	// ID is the wire identifier clients use to select the environment.
	ID string
	// DisplayName is the human-readable name echoed in responses.
	DisplayName string
	// BaseURL is the upstream API root, without a trailing slash.
	BaseURL string
	AuthMode AuthMode

	AccountID string
	APIKey    string
	// AgentKey is nil when the key was never configured. Some environments
	// accept an explicitly empty key, so absence and emptiness are distinct.
	AgentKey *string

	// Required lists the credential fields that must be present before a
	// login attempt against this environment is allowed.
	Required []Field
}

// AgentKeyValue returns the configured agent key, or the empty string when
// none was configured.
func (c *Config) AgentKeyValue() string {
	if c.AgentKey == nil {
		return ""
	}
	return *c.AgentKey
}

// fieldPresent reports whether a credential field carries a usable value.
// AccountID and APIKey must be non-empty; AgentKey only has to be set, since
// the UAT upstream accepts (and requires) an explicitly empty agent key.
func (c *Config) fieldPresent(f Field) bool {
	switch f {
	case FieldAccountID:
		return c.AccountID != ""
	case FieldAPIKey:
		return c.APIKey != ""
	case FieldAgentKey:
		return c.AgentKey != nil
	default:
		return false
	}
}

// CheckResult reports whether an environment's configured credentials are
// sufficient to attempt authentication, and which fields are missing if not.
type CheckResult struct {
	Valid   bool
	Missing []Field
}

// CheckCredentials evaluates the environment's required fields against its
// configured values. Missing fields are reported in the fixed order
// accountId, apiKey, agentKey. The same check gates every upstream call and
// feeds the diagnostic endpoints, so the two can never disagree.
func CheckCredentials(c *Config) CheckResult {
	var missing []Field
	for _, f := range fieldOrder {
		if !c.Requires(f) {
			continue
		}
		if !c.fieldPresent(f) {
			missing = append(missing, f)
		}
	}
	return CheckResult{Valid: len(missing) == 0, Missing: missing}
}

// Requires reports whether the field is mandatory for this environment.
func (c *Config) Requires(f Field) bool {
	for _, r := range c.Required {
		if r == f {
			return true
		}
	}
	return false
}
