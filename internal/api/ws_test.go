package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/model"
)

func dialWS(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	return websocket.DefaultDialer.Dial(url, nil)
}

func waitConnections(t *testing.T, hub *core.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Stats().Connections != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connections, have %d", n, hub.Stats().Connections)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWS_TokenIdentityRouting(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	aliceToken, err := SignIdentityToken(testSecret, 1, "alice", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	bobToken, _ := SignIdentityToken(testSecret, 2, "bob", time.Minute)

	alice, _, err := dialWS(t, srv, "token="+aliceToken)
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()
	bob, _, err := dialWS(t, srv, "token="+bobToken)
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.Close()
	waitConnections(t, env.hub, 2)

	ev := model.ProgressEvent{
		Type: model.EventImageProgress, JobID: "job-7", Status: model.JobComplete,
		Progress: 100, ConversationID: "c1", MessageID: "m1", ImageURL: "/img/7.png",
	}
	if n := env.hub.SendToUser(context.Background(), "1", ev); n != 1 {
		t.Fatalf("expected delivery to alice only, got %d", n)
	}

	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got model.ProgressEvent
	if err := alice.ReadJSON(&got); err != nil {
		t.Fatalf("alice read: %v", err)
	}
	if got != ev {
		t.Fatalf("payload changed in transit: %+v", got)
	}

	bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := bob.ReadMessage(); err == nil {
		t.Fatal("bob must not receive alice's event")
	}
}

func TestWS_InvalidTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	forged, _ := SignIdentityToken("other-secret", 1, "alice", time.Minute)
	_, resp, err := dialWS(t, srv, "token="+forged)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWS_DisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := dialWS(t, srv, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitConnections(t, env.hub, 1)
	conn.Close()
	waitConnections(t, env.hub, 0)
}

func TestWSHandler_Identity(t *testing.T) {
	token, _ := SignIdentityToken("s", 9, "ivy", 0)

	tests := []struct {
		name     string
		cfg      config.WebSocketConfig
		target   string
		header   string
		wantID   int64
		wantName string
		wantErr  bool
	}{
		{"query token", config.WebSocketConfig{JWTSecret: "s"}, "/ws?token=" + token, "", 9, "ivy", false},
		{"bearer header", config.WebSocketConfig{JWTSecret: "s"}, "/ws", "Bearer " + token, 9, "ivy", false},
		{"no token is anonymous", config.WebSocketConfig{JWTSecret: "s"}, "/ws", "", 0, "", false},
		{"garbage token", config.WebSocketConfig{JWTSecret: "s"}, "/ws?token=abc", "", 0, "", true},
		{"query identity", config.WebSocketConfig{AllowQueryIdentity: true}, "/ws?user_id=5&username=eve", "", 5, "eve", false},
		{"query identity disabled", config.WebSocketConfig{}, "/ws?user_id=5&username=eve", "", 0, "", false},
		{"query ignored with secret", config.WebSocketConfig{JWTSecret: "s", AllowQueryIdentity: true}, "/ws?user_id=5", "", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewWSHandler(core.NewHub(), tt.cfg)
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			id, name, err := h.identity(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if id != tt.wantID || name != tt.wantName {
				t.Fatalf("got (%d, %q), want (%d, %q)", id, name, tt.wantID, tt.wantName)
			}
		})
	}
}

func TestSignIdentityToken_RequiresSecret(t *testing.T) {
	if _, err := SignIdentityToken("", 1, "", time.Minute); err == nil {
		t.Fatal("expected error without secret")
	}
	tok, _ := SignIdentityToken("s", 3, "", time.Minute)
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("not a JWT: %s", tok)
	}
	var header map[string]any
	b, _ := jwt.DecodeSegment(parts[0])
	json.Unmarshal(b, &header)
	if header["alg"] != "HS256" {
		t.Fatalf("unexpected alg: %v", header["alg"])
	}
}
