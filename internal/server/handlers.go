package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/printbridge/printproxy/internal/audit"
	"github.com/printbridge/printproxy/internal/environment"
	"github.com/printbridge/printproxy/internal/printapi"
)

// defaultEnvironment is used when a request does not name one.
const defaultEnvironment = environment.PreviewUAT

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	envs := make(map[string]any)
	for _, id := range s.registry.IDs() {
		cfg, _ := s.registry.Resolve(id)
		check := environment.CheckCredentials(cfg)

		entry := map[string]any{
			"configured": check.Valid,
			"missing":    fieldNames(check.Missing),
		}
		if s.prober != nil {
			if result, ok := s.prober.Last(id); ok {
				entry["probe"] = result
			}
		}
		envs[id] = entry
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
		"subscribers":  s.hub.SubscriberCount(),
		"environments": envs,
	})
}

// handleDebug reports credential presence per environment. Only booleans are
// exposed, never the values themselves.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	envs := make(map[string]any)
	for _, id := range s.registry.IDs() {
		cfg, _ := s.registry.Resolve(id)
		check := environment.CheckCredentials(cfg)
		envs[id] = map[string]any{
			"baseUrl":   cfg.BaseURL,
			"authMode":  string(cfg.AuthMode),
			"accountId": cfg.AccountID != "",
			"apiKey":    cfg.APIKey != "",
			"agentKey":  cfg.AgentKey != nil,
			"valid":     check.Valid,
			"missing":   fieldNames(check.Missing),
		}
	}

	body := map[string]any{
		"environments": envs,
		"subscribers":  s.hub.SubscriberCount(),
	}

	if s.auditor != nil {
		count, err := s.auditor.Count(r.Context())
		if err != nil {
			s.logger.Error("audit count failed", slog.String("error", err.Error()))
		}
		recent, err := s.auditor.Recent(r.Context(), 10)
		if err != nil {
			s.logger.Error("audit query failed", slog.String("error", err.Error()))
		}
		body["audit"] = map[string]any{
			"events": count,
			"recent": recent,
		}
	}

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAutoLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Environment string `json:"environment"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "bad_request",
			"message": err.Error(),
		})
		return
	}
	if req.Environment == "" {
		req.Environment = defaultEnvironment
	}

	result, failure := s.doLogin(r.Context(), req.Environment)
	if failure != nil {
		writeLoginFailure(w, failure)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"environment": result.Environment,
		"token":       result.Token,
		"jwt":         result.JWT,
	})
}

func (s *Server) handleTestLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Environment string `json:"environment"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "bad_request",
			"message": err.Error(),
		})
		return
	}
	if req.Environment == "" {
		req.Environment = defaultEnvironment
	}

	result, err := s.client.Probe(r.Context(), req.Environment)
	if err != nil {
		writeLoginFailure(w, asFailure(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"reachable": result.Reachable,
		"status":    result.Status,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Environment string                `json:"environment"`
		Token       string                `json:"token"`
		Credentials *printapi.Credentials `json:"credentials"`
		UserData    json.RawMessage       `json:"userData"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "bad_request",
			"message": err.Error(),
		})
		return
	}
	if req.Environment == "" {
		req.Environment = defaultEnvironment
	}

	auth := printapi.AuthMaterial{Token: req.Token, Credentials: req.Credentials}
	result, failure := s.doRegister(r.Context(), req.Environment, auth, req.UserData)
	if failure != nil {
		writeLoginFailure(w, failure)
		return
	}

	body := map[string]any{"success": true}
	for k, v := range result.Body {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleWSInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint": "/ws",
		"protocol": "JSON messages with a 'type' discriminator",
		"clientMessages": map[string]any{
			"ping":      map[string]any{"type": "ping"},
			"login":     map[string]any{"type": "login", "environment": "previewUat | production (optional)"},
			"subscribe": map[string]any{"type": "subscribe", "environment": "previewUat | production (optional, omit for all)"},
		},
		"serverMessages": []string{"pong", "login-result", "subscribed", "login-success", "registration", "error"},
	})
}

// doLogin runs the login flow and records metrics and audit entries for the
// attempt. Broadcast of the login-success event happens inside the client.
func (s *Server) doLogin(ctx context.Context, environmentID string) (*printapi.LoginResult, *printapi.Failure) {
	start := time.Now()
	result, err := s.client.Login(ctx, environmentID)

	outcome := "success"
	var failure *printapi.Failure
	if err != nil {
		failure = asFailure(err)
		outcome = string(failure.Kind)
	}
	if s.metrics != nil {
		s.metrics.RecordLogin(s.metricEnvironment(environmentID), outcome, time.Since(start))
	}
	s.recordAudit(ctx, "login", environmentID, failure)

	return result, failure
}

func (s *Server) doRegister(ctx context.Context, environmentID string, auth printapi.AuthMaterial, userData json.RawMessage) (*printapi.RegisterResult, *printapi.Failure) {
	start := time.Now()
	result, err := s.client.Register(ctx, environmentID, auth, userData)

	outcome := "success"
	var failure *printapi.Failure
	if err != nil {
		failure = asFailure(err)
		outcome = string(failure.Kind)
	}
	if s.metrics != nil {
		s.metrics.RecordRegistration(s.metricEnvironment(environmentID), outcome, time.Since(start))
	}
	s.recordAudit(ctx, "registration", environmentID, failure)

	return result, failure
}

// metricEnvironment collapses client-supplied environment IDs that are not in
// the registry to a fixed label, keeping metric cardinality bounded.
func (s *Server) metricEnvironment(environmentID string) string {
	if _, ok := s.registry.Resolve(environmentID); ok {
		return environmentID
	}
	return "unknown"
}

// recordAudit appends the attempt to the audit log. Failures to record are
// logged and never surfaced.
func (s *Server) recordAudit(ctx context.Context, eventType, environmentID string, failure *printapi.Failure) {
	if s.auditor == nil {
		return
	}
	entry := audit.Entry{
		Type:        eventType,
		Environment: environmentID,
		Success:     failure == nil,
	}
	if failure != nil {
		entry.Detail = string(failure.Kind)
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.Error("audit record failed",
			slog.String("type", eventType),
			slog.String("environment", environmentID),
			slog.String("error", err.Error()),
		)
	}
}

// asFailure converts any error into a classified failure; unexpected errors
// map to a generic internal kind.
func asFailure(err error) *printapi.Failure {
	var failure *printapi.Failure
	if errors.As(err, &failure) {
		return failure
	}
	return &printapi.Failure{Kind: "internal_error", Message: err.Error()}
}

// writeLoginFailure is the boundary serializer for classified failures. The
// mapping is exhaustive over printapi.ErrorKind: validation failures answer
// 400, missing upstream tokens 502, rejected calls pass the upstream status
// through, and transport failures answer 503.
func writeLoginFailure(w http.ResponseWriter, f *printapi.Failure) {
	body := map[string]any{
		"success": false,
		"error":   string(f.Kind),
		"message": f.Message,
	}
	if len(f.Missing) > 0 {
		body["missing"] = fieldNames(f.Missing)
	}
	if len(f.Body) > 0 {
		body["upstream"] = json.RawMessage(f.Body)
	}
	writeJSON(w, f.HTTPStatus(), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody parses an optional JSON body. An empty body is fine; malformed
// JSON is not.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func fieldNames(fields []environment.Field) []string {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, string(f))
	}
	return names
}
