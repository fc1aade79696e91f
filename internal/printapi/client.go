// Package printapi talks to the remote print-service API: the login
// handshake, registration forwarding, and reachability probes. Outcomes are
// returned as classified failures rather than raw transport errors.
package printapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/printbridge/printproxy/internal/broadcast"
	"github.com/printbridge/printproxy/internal/environment"
)

const (
	loginPath    = "/api/v1/print/login"
	registerPath = "/api/v1/print/register"

	defaultLoginTimeout = 15 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// Events receives session-lifecycle events emitted by the client.
type Events interface {
	Publish(evt broadcast.Event)
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (tests swap in a recorder here).
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithEvents sets the sink that receives login-success and registration
// events.
func WithEvents(events Events) Option {
	return func(c *Client) { c.events = events }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithLoginTimeout overrides the login/registration deadline.
func WithLoginTimeout(d time.Duration) Option {
	return func(c *Client) { c.loginTimeout = d }
}

// WithProbeTimeout overrides the reachability-probe deadline.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Client) { c.probeTimeout = d }
}

// Client brokers authentication against the print-service deployments known
// to the registry. It never retries; callers decide whether to re-invoke.
type Client struct {
	registry     *environment.Registry
	httpClient   *http.Client
	events       Events
	logger       *slog.Logger
	loginTimeout time.Duration
	probeTimeout time.Duration
}

// New creates a client over the given environment registry.
func New(registry *environment.Registry, opts ...Option) *Client {
	c := &Client{
		registry:     registry,
		httpClient:   http.DefaultClient,
		logger:       slog.Default(),
		loginTimeout: defaultLoginTimeout,
		probeTimeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoginPayload builds the environment-specific login body. The accountId and
// apiKey are always present. The agentKey is included when it has a value,
// and also when the environment's upstream contract requires the field to be
// present even if empty (previewUat).
func LoginPayload(env *environment.Config) map[string]string {
	payload := map[string]string{
		"accountId": env.AccountID,
		"apiKey":    env.APIKey,
	}
	if key := env.AgentKeyValue(); key != "" || env.Requires(environment.FieldAgentKey) {
		payload["agentKey"] = key
	}
	return payload
}

// NormalizeToken strips an optional "Bearer " prefix from a raw token and
// trims surrounding whitespace.
func NormalizeToken(raw string) string {
	return strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
}

// Login performs the full login handshake against the named environment:
// resolve, gate on configured credentials, POST the login payload, and
// normalize the returned token. On success a login-success event is
// published before returning. A classified failure is returned as *Failure.
func (c *Client) Login(ctx context.Context, environmentID string) (*LoginResult, error) {
	env, ok := c.registry.Resolve(environmentID)
	if !ok {
		return nil, &Failure{
			Kind:    KindInvalidEnvironment,
			Message: fmt.Sprintf("unknown environment %q", environmentID),
		}
	}

	if check := environment.CheckCredentials(env); !check.Valid {
		return nil, &Failure{
			Kind:    KindMissingCredentials,
			Message: fmt.Sprintf("environment %s is missing credentials: %s", env.ID, joinFields(check.Missing)),
			Missing: check.Missing,
		}
	}

	body, err := json.Marshal(LoginPayload(env))
	if err != nil {
		return nil, fmt.Errorf("marshal login payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.loginTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.BaseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Failure{
			Kind:    KindUnreachable,
			Message: fmt.Sprintf("no response from %s: %v (check network connectivity and CORS/firewall rules)", env.BaseURL, err),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Failure{
			Kind:    KindUnreachable,
			Message: fmt.Sprintf("reading response from %s: %v", env.BaseURL, err),
		}
	}

	c.logger.Info("upstream login completed",
		slog.String("environment", env.ID),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	// 5xx responses are not inspectable; pass status and body through.
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &Failure{
			Kind:    KindUpstreamRejected,
			Message: fmt.Sprintf("%s login rejected with status %d", env.DisplayName, resp.StatusCode),
			Status:  resp.StatusCode,
			Body:    json.RawMessage(respBody),
		}
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.Token == "" {
		return nil, &Failure{
			Kind:    KindNoTokenReturned,
			Message: fmt.Sprintf("%s responded (status %d) without a token", env.DisplayName, resp.StatusCode),
			Status:  resp.StatusCode,
			Body:    json.RawMessage(respBody),
		}
	}

	result := &LoginResult{
		EnvironmentID: env.ID,
		Environment:   env.DisplayName,
		Token:         parsed.Token,
		JWT:           NormalizeToken(parsed.Token),
	}

	if c.events != nil {
		c.events.Publish(broadcast.NewEvent(broadcast.EventLoginSuccess, env.ID, map[string]any{
			"environment": env.DisplayName,
		}))
	}
	return result, nil
}

// Register forwards a registration payload upstream with the authorization
// header the environment's auth mode calls for: basic (accountId:apiKey) for
// production, bearer for previewUat. Missing auth material fails before any
// network call. On success a registration event scoped to the environment is
// published.
func (c *Client) Register(ctx context.Context, environmentID string, auth AuthMaterial, userData json.RawMessage) (*RegisterResult, error) {
	env, ok := c.registry.Resolve(environmentID)
	if !ok {
		return nil, &Failure{
			Kind:    KindInvalidEnvironment,
			Message: fmt.Sprintf("unknown environment %q", environmentID),
		}
	}

	header, failure := authorizationHeader(env, auth)
	if failure != nil {
		return nil, failure
	}

	if userData == nil {
		userData = json.RawMessage("{}")
	}

	ctx, cancel := context.WithTimeout(ctx, c.loginTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.BaseURL+registerPath, bytes.NewReader(userData))
	if err != nil {
		return nil, fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Failure{
			Kind:    KindUnreachable,
			Message: fmt.Sprintf("no response from %s: %v (check network connectivity and CORS/firewall rules)", env.BaseURL, err),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Failure{
			Kind:    KindUnreachable,
			Message: fmt.Sprintf("reading response from %s: %v", env.BaseURL, err),
		}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &Failure{
			Kind:    KindUpstreamRejected,
			Message: fmt.Sprintf("%s registration rejected with status %d", env.DisplayName, resp.StatusCode),
			Status:  resp.StatusCode,
			Body:    json.RawMessage(respBody),
		}
	}

	merged := map[string]any{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &merged); err != nil {
			merged = map[string]any{"raw": string(respBody)}
		}
	}
	merged["environment"] = env.DisplayName

	c.logger.Info("registration forwarded",
		slog.String("environment", env.ID),
		slog.Int("status", resp.StatusCode),
	)

	if c.events != nil {
		c.events.Publish(broadcast.NewEvent(broadcast.EventRegistration, env.ID, map[string]any{
			"environment": env.DisplayName,
		}))
	}

	return &RegisterResult{
		EnvironmentID: env.ID,
		Environment:   env.DisplayName,
		Body:          merged,
	}, nil
}

// Probe checks whether the environment's login route answers at all, without
// performing a real login. Any response, including an error status, counts
// as reachable.
func (c *Client) Probe(ctx context.Context, environmentID string) (ProbeResult, error) {
	env, ok := c.registry.Resolve(environmentID)
	if !ok {
		return ProbeResult{}, &Failure{
			Kind:    KindInvalidEnvironment,
			Message: fmt.Sprintf("unknown environment %q", environmentID),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.BaseURL+loginPath, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("build probe request: %w", err)
	}

	result := ProbeResult{EnvironmentID: env.ID, CheckedAt: time.Now().UTC()}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("environment unreachable",
			slog.String("environment", env.ID),
			slog.String("error", err.Error()),
		)
		return result, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	result.Reachable = true
	result.Status = resp.StatusCode
	return result, nil
}

// authorizationHeader computes the Authorization value for the environment's
// auth mode, or a MissingAuthentication failure when the required material
// is absent.
func authorizationHeader(env *environment.Config, auth AuthMaterial) (string, *Failure) {
	switch env.AuthMode {
	case environment.AuthModeBasic:
		if auth.Credentials == nil || auth.Credentials.AccountID == "" || auth.Credentials.APIKey == "" {
			return "", &Failure{
				Kind:    KindMissingAuthentication,
				Message: fmt.Sprintf("%s registration requires credentials {accountId, apiKey}", env.DisplayName),
			}
		}
		pair := auth.Credentials.AccountID + ":" + auth.Credentials.APIKey
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(pair)), nil
	case environment.AuthModeBearer:
		if auth.Token == "" {
			return "", &Failure{
				Kind:    KindMissingAuthentication,
				Message: fmt.Sprintf("%s registration requires a bearer token from a prior login", env.DisplayName),
			}
		}
		return "Bearer " + NormalizeToken(auth.Token), nil
	default:
		return "", &Failure{
			Kind:    KindMissingAuthentication,
			Message: fmt.Sprintf("environment %s has no usable auth mode", env.ID),
		}
	}
}

func joinFields(fields []environment.Field) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
