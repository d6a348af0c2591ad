package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"peerlink/internal/config"
	"peerlink/internal/db"
	"peerlink/internal/engine"
	"peerlink/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("did:e:alice")
	e := engine.New(conn, cfg, nil)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
			Logger:                 log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev-user",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("unmarshal login: %v %s", err, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "dev-user" || me.Source != "jwt" {
		t.Fatalf("me = %+v", me)
	}
}

func TestIncomingRequestDecisionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/incoming", map[string]any{
		"peer": "did:e:bob",
		"content": map[string]any{
			"items": []any{
				map[string]any{
					"@type":          "ConsentRequestItem",
					"mustBeAccepted": true,
					"consent":        "I agree",
				},
			},
		},
		"source_type": "message",
		"source_id":   "MSGIN1",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("receive status %d: %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if created.Status != "open" {
		t.Fatalf("status = %s, want open", created.Status)
	}

	// completing before a decision maps to 409
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/complete", map[string]any{}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("complete on open status %d: %s", res.StatusCode, string(data))
	}

	// a mismatched decision tree maps to 400
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/accept", map[string]any{
		"decision": map[string]any{
			"items": []any{
				map[string]any{"accept": true},
				map[string]any{"accept": true},
			},
		},
	}, actorHeader)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("mismatched accept status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/accept", map[string]any{
		"decision": map[string]any{
			"items": []any{map[string]any{"accept": true}},
		},
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	var decided RequestResponse
	if err := json.Unmarshal(data, &decided); err != nil {
		t.Fatalf("unmarshal decided: %v", err)
	}
	if decided.Status != "decided" {
		t.Fatalf("status = %s, want decided", decided.Status)
	}
	if len(decided.Response) == 0 {
		t.Fatalf("decided request carries no response")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/complete", map[string]any{
		"response_source_id": "MSGOUT1",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var completed RequestResponse
	_ = json.Unmarshal(data, &completed)
	if completed.Status != "completed" {
		t.Fatalf("status = %s, want completed", completed.Status)
	}
}

func TestShareAttributeFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/attributes", map[string]any{
		"attribute": map[string]any{
			"value": map[string]any{"@type": "DisplayName", "value": "Alice"},
		},
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create attribute status %d: %s", res.StatusCode, string(data))
	}
	var attr AttributeResponse
	if err := json.Unmarshal(data, &attr); err != nil {
		t.Fatalf("unmarshal attribute: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/attributes/"+attr.ID+"/share", map[string]any{
		"peer": "did:e:bob",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("share status %d: %s", res.StatusCode, string(data))
	}
	var shareReq RequestResponse
	if err := json.Unmarshal(data, &shareReq); err != nil {
		t.Fatalf("unmarshal share request: %v", err)
	}
	if shareReq.Direction != "outgoing" || shareReq.Status != "open" {
		t.Fatalf("share request = %+v", shareReq)
	}

	// a second share while the request is open maps to 422
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/attributes/"+attr.ID+"/share", map[string]any{
		"peer": "did:e:bob",
	}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("repeated share status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+shareReq.ID+"/response", map[string]any{
		"response": map[string]any{
			"requestId": shareReq.ID,
			"items": []any{
				map[string]any{"@type": "ShareAttributeAcceptResponseItem", "attributeId": "peer-copy-1"},
			},
		},
		"response_source_id": "MSG1",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record response status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/attributes/"+attr.ID+"/forwarding?only_active=true", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forwarding status %d: %s", res.StatusCode, string(data))
	}
	var shares []ShareResponse
	if err := json.Unmarshal(data, &shares); err != nil {
		t.Fatalf("unmarshal shares: %v", err)
	}
	if len(shares) != 1 || shares[0].Peer != "did:e:bob" {
		t.Fatalf("shares = %+v", shares)
	}
}

func TestSuccessionOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/attributes", map[string]any{
		"attribute": map[string]any{
			"value": map[string]any{"@type": "DisplayName", "value": "Alice"},
		},
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create attribute: %d %s", res.StatusCode, string(data))
	}
	var attr AttributeResponse
	_ = json.Unmarshal(data, &attr)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/attributes/"+attr.ID+"/succeed", map[string]any{
		"successor": map[string]any{
			"value": map[string]any{"@type": "DisplayName", "value": "Alice B."},
		},
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("succeed status %d: %s", res.StatusCode, string(data))
	}
	var succession SuccessionResponse
	if err := json.Unmarshal(data, &succession); err != nil {
		t.Fatalf("unmarshal succession: %v", err)
	}
	if succession.Successor.PredecessorID == nil || *succession.Successor.PredecessorID != attr.ID {
		t.Fatalf("succession = %+v", succession)
	}

	// the second succession of the same version maps to 409
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/attributes/"+attr.ID+"/succeed", map[string]any{
		"successor": map[string]any{
			"value": map[string]any{"@type": "DisplayName", "value": "Alice C."},
		},
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second succeed status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/attributes/"+attr.ID+"/versions", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("versions status %d: %s", res.StatusCode, string(data))
	}
	var versions []AttributeResponse
	if err := json.Unmarshal(data, &versions); err != nil {
		t.Fatalf("unmarshal versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("got %d versions, want 2", len(versions))
	}
}
