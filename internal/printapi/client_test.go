package printapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/printbridge/printproxy/internal/broadcast"
	"github.com/printbridge/printproxy/internal/environment"
)

func strPtr(s string) *string { return &s }

func testRegistry(t *testing.T, baseURL string) *environment.Registry {
	t.Helper()
	reg, err := environment.NewRegistry(
		&environment.Config{
			ID:          environment.PreviewUAT,
			DisplayName: "Preview UAT",
			BaseURL:     baseURL,
			AuthMode:    environment.AuthModeBearer,
			AccountID:   "uat-acct",
			APIKey:      "uat-key",
			AgentKey:    strPtr("uat-agent"),
			Required: []environment.Field{
				environment.FieldAccountID,
				environment.FieldAPIKey,
				environment.FieldAgentKey,
			},
		},
		&environment.Config{
			ID:          environment.Production,
			DisplayName: "Production",
			BaseURL:     baseURL,
			AuthMode:    environment.AuthModeBasic,
			AccountID:   "prod-acct",
			APIKey:      "prod-key",
			Required: []environment.Field{
				environment.FieldAccountID,
				environment.FieldAPIKey,
			},
		},
	)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

// eventRecorder captures published events for assertions.
type eventRecorder struct {
	events []broadcast.Event
}

func (r *eventRecorder) Publish(evt broadcast.Event) {
	r.events = append(r.events, evt)
}

func failureKind(t *testing.T, err error) ErrorKind {
	t.Helper()
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Failure, got %T: %v", err, err)
	}
	return failure.Kind
}

func TestLoginPayload_UATIncludesEmptyAgentKey(t *testing.T) {
	env := &environment.Config{
		ID:        environment.PreviewUAT,
		AccountID: "acct",
		APIKey:    "key",
		AgentKey:  strPtr(""),
		Required: []environment.Field{
			environment.FieldAccountID,
			environment.FieldAPIKey,
			environment.FieldAgentKey,
		},
	}
	payload := LoginPayload(env)
	agentKey, present := payload["agentKey"]
	if !present {
		t.Fatal("previewUat payload must carry agentKey even when empty")
	}
	if agentKey != "" {
		t.Errorf("agentKey = %q, want empty string", agentKey)
	}
}

func TestLoginPayload_ProductionOmitsAbsentAgentKey(t *testing.T) {
	env := &environment.Config{
		ID:        environment.Production,
		AccountID: "acct",
		APIKey:    "key",
		Required: []environment.Field{
			environment.FieldAccountID,
			environment.FieldAPIKey,
		},
	}
	payload := LoginPayload(env)
	if _, present := payload["agentKey"]; present {
		t.Error("production payload must omit agentKey when absent")
	}
}

func TestLoginPayload_ProductionIncludesNonEmptyAgentKey(t *testing.T) {
	env := &environment.Config{
		ID:        environment.Production,
		AccountID: "acct",
		APIKey:    "key",
		AgentKey:  strPtr("agent"),
		Required: []environment.Field{
			environment.FieldAccountID,
			environment.FieldAPIKey,
		},
	}
	if payload := LoginPayload(env); payload["agentKey"] != "agent" {
		t.Errorf("agentKey = %q, want %q", payload["agentKey"], "agent")
	}
}

func TestNormalizeToken(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"abc.def.ghi", "abc.def.ghi"},
		{"Bearer  abc.def.ghi ", "abc.def.ghi"},
	}
	for _, tc := range cases {
		if got := NormalizeToken(tc.raw); got != tc.want {
			t.Errorf("NormalizeToken(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestLogin_Success(t *testing.T) {
	var gotPayload map[string]string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/print/login" {
			t.Errorf("path = %s, want /api/v1/print/login", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		json.NewDecoder(r.Body).Decode(&gotPayload)
		json.NewEncoder(w).Encode(map[string]string{"token": "Bearer abc.def.ghi"})
	}))
	defer upstream.Close()

	events := &eventRecorder{}
	client := New(testRegistry(t, upstream.URL), WithEvents(events))

	result, err := client.Login(context.Background(), environment.PreviewUAT)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.Token != "Bearer abc.def.ghi" {
		t.Errorf("raw token = %q", result.Token)
	}
	if result.JWT != "abc.def.ghi" {
		t.Errorf("jwt = %q, want prefix stripped", result.JWT)
	}
	if result.Environment != "Preview UAT" {
		t.Errorf("environment = %q", result.Environment)
	}

	want := map[string]string{"accountId": "uat-acct", "apiKey": "uat-key", "agentKey": "uat-agent"}
	if !reflect.DeepEqual(gotPayload, want) {
		t.Errorf("payload = %v, want %v", gotPayload, want)
	}

	if len(events.events) != 1 || events.events[0].Type != broadcast.EventLoginSuccess {
		t.Errorf("expected one login-success event, got %v", events.events)
	}
	if events.events[0].Environment != environment.PreviewUAT {
		t.Errorf("event environment = %q", events.events[0].Environment)
	}
}

func TestLogin_UnknownEnvironment(t *testing.T) {
	client := New(testRegistry(t, "http://127.0.0.1:0"))
	_, err := client.Login(context.Background(), "staging")
	if kind := failureKind(t, err); kind != KindInvalidEnvironment {
		t.Errorf("kind = %s, want %s", kind, KindInvalidEnvironment)
	}
}

func TestLogin_MissingCredentialsSkipsNetwork(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	reg, err := environment.NewRegistry(&environment.Config{
		ID:          environment.PreviewUAT,
		DisplayName: "Preview UAT",
		BaseURL:     upstream.URL,
		AuthMode:    environment.AuthModeBearer,
		AccountID:   "acct",
		APIKey:      "key",
		// agent key unset: required field missing
		Required: []environment.Field{
			environment.FieldAccountID,
			environment.FieldAPIKey,
			environment.FieldAgentKey,
		},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	client := New(reg)
	_, err = client.Login(context.Background(), environment.PreviewUAT)

	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Failure, got %v", err)
	}
	if failure.Kind != KindMissingCredentials {
		t.Errorf("kind = %s, want %s", failure.Kind, KindMissingCredentials)
	}
	want := []environment.Field{environment.FieldAgentKey}
	if !reflect.DeepEqual(failure.Missing, want) {
		t.Errorf("missing = %v, want %v", failure.Missing, want)
	}
	if calls.Load() != 0 {
		t.Errorf("upstream called %d times, want 0", calls.Load())
	}
}

func TestLogin_NoTokenReturned(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusUnauthorized} {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"message": "nope"})
		}))

		client := New(testRegistry(t, upstream.URL))
		_, err := client.Login(context.Background(), environment.PreviewUAT)
		if kind := failureKind(t, err); kind != KindNoTokenReturned {
			t.Errorf("status %d: kind = %s, want %s", status, kind, KindNoTokenReturned)
		}
		upstream.Close()
	}
}

func TestLogin_UpstreamRejected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"message":"upstream exploded"}`))
	}))
	defer upstream.Close()

	client := New(testRegistry(t, upstream.URL))
	_, err := client.Login(context.Background(), environment.Production)

	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Failure, got %v", err)
	}
	if failure.Kind != KindUpstreamRejected {
		t.Errorf("kind = %s, want %s", failure.Kind, KindUpstreamRejected)
	}
	if failure.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", failure.Status)
	}
	if len(failure.Body) == 0 {
		t.Error("expected upstream body to be passed through")
	}
}

func TestLogin_Unreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // refuse connections

	client := New(testRegistry(t, upstream.URL))
	_, err := client.Login(context.Background(), environment.PreviewUAT)
	if kind := failureKind(t, err); kind != KindUnreachable {
		t.Errorf("kind = %s, want %s", kind, KindUnreachable)
	}
}

func TestRegister_ProductionUsesBasicAuth(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/print/register" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"registrationId": "r-1"})
	}))
	defer upstream.Close()

	events := &eventRecorder{}
	client := New(testRegistry(t, upstream.URL), WithEvents(events))

	auth := AuthMaterial{Credentials: &Credentials{AccountID: "acct", APIKey: "key"}}
	result, err := client.Register(context.Background(), environment.Production, auth, json.RawMessage(`{"device":"printer-7"}`))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("acct:key"))
	if gotAuth != wantAuth {
		t.Errorf("authorization = %q, want %q", gotAuth, wantAuth)
	}
	if result.Body["registrationId"] != "r-1" {
		t.Errorf("body = %v", result.Body)
	}
	if result.Body["environment"] != "Production" {
		t.Errorf("display name not merged into body: %v", result.Body)
	}
	if len(events.events) != 1 || events.events[0].Type != broadcast.EventRegistration {
		t.Errorf("expected one registration event, got %v", events.events)
	}
}

func TestRegister_UATUsesBearerAuth(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"registrationId": "r-2"})
	}))
	defer upstream.Close()

	client := New(testRegistry(t, upstream.URL))
	_, err := client.Register(context.Background(), environment.PreviewUAT, AuthMaterial{Token: "Bearer abc.def"}, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if gotAuth != "Bearer abc.def" {
		t.Errorf("authorization = %q, want %q", gotAuth, "Bearer abc.def")
	}
}

func TestRegister_MissingAuthenticationSkipsNetwork(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	client := New(testRegistry(t, upstream.URL))

	// production without credentials
	_, err := client.Register(context.Background(), environment.Production, AuthMaterial{Token: "abc"}, nil)
	if kind := failureKind(t, err); kind != KindMissingAuthentication {
		t.Errorf("production kind = %s, want %s", kind, KindMissingAuthentication)
	}

	// previewUat without a token
	_, err = client.Register(context.Background(), environment.PreviewUAT, AuthMaterial{Credentials: &Credentials{AccountID: "a", APIKey: "k"}}, nil)
	if kind := failureKind(t, err); kind != KindMissingAuthentication {
		t.Errorf("previewUat kind = %s, want %s", kind, KindMissingAuthentication)
	}

	if calls.Load() != 0 {
		t.Errorf("upstream called %d times, want 0", calls.Load())
	}
}

func TestRegister_UpstreamFailurePassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"already registered"}`))
	}))
	defer upstream.Close()

	events := &eventRecorder{}
	client := New(testRegistry(t, upstream.URL), WithEvents(events))

	_, err := client.Register(context.Background(), environment.PreviewUAT, AuthMaterial{Token: "abc"}, nil)
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Failure, got %v", err)
	}
	if failure.Status != http.StatusConflict {
		t.Errorf("status = %d, want 409", failure.Status)
	}
	if string(failure.Body) != `{"message":"already registered"}` {
		t.Errorf("body = %s", failure.Body)
	}
	if len(events.events) != 0 {
		t.Error("no event should be published for a rejected registration")
	}
}

func TestProbe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer upstream.Close()

	client := New(testRegistry(t, upstream.URL))
	result, err := client.Probe(context.Background(), environment.Production)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !result.Reachable {
		t.Error("any response should count as reachable")
	}
	if result.Status != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", result.Status)
	}
}

func TestProbe_Unreachable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close()

	client := New(testRegistry(t, upstream.URL))
	result, err := client.Probe(context.Background(), environment.PreviewUAT)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if result.Reachable {
		t.Error("closed upstream should be unreachable")
	}
}
