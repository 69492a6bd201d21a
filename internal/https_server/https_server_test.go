package https_server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"kama_relay_server/internal/config"
	"kama_relay_server/internal/dto/request"
	"kama_relay_server/internal/dto/respond"
	"kama_relay_server/internal/handler"
	"kama_relay_server/internal/model"
	"kama_relay_server/internal/service/presence"
	"kama_relay_server/pkg/errorx"
)

type stubVerifier struct{}

func (stubVerifier) Verify(token string) (string, error) {
	if token == "Bearer alice-token" {
		return "alice", nil
	}
	return "", errorx.ErrAuth
}

type stubMessageService struct{}

func (stubMessageService) Send(context.Context, string, *request.SendMessageRequest) (*respond.Ack, error) {
	return &respond.Ack{}, nil
}
func (stubMessageService) History(_ context.Context, identity, chatID, _ string, _ int) (*respond.HistoryRespond, error) {
	return &respond.HistoryRespond{Items: []respond.MessageEvent{{ChatID: chatID, SenderID: identity}}}, nil
}
func (stubMessageService) Resync(context.Context, string, string, int64, int) (*respond.ResyncRespond, error) {
	return &respond.ResyncRespond{}, nil
}
func (stubMessageService) UnreadCount(context.Context, string, string) (*respond.UnreadRespond, error) {
	return &respond.UnreadRespond{}, nil
}
func (stubMessageService) MarkRead(context.Context, string, int64) (*model.Delivery, error) {
	return &model.Delivery{}, nil
}
func (stubMessageService) Delete(context.Context, string, int64) (*model.Envelope, error) {
	return &model.Envelope{}, nil
}

type stubPresence struct{}

func (stubPresence) Lookup(string) (presence.Status, time.Time) {
	return presence.StatusAway, time.Time{}
}

func newEngine(conf *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := &handler.Handlers{
		Message:  handler.NewMessageHandler(stubMessageService{}),
		Presence: handler.NewPresenceHandler(stubPresence{}),
		Ws:       handler.NewWsHandler(nil),
	}
	return Init(conf, h, stubVerifier{})
}

func TestSmokeRoutes(t *testing.T) {
	r := newEngine(config.Default())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}

	// 未登录
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/chats/c1/messages", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("api without token: %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/chats/c1/messages", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out struct {
		Code int                    `json:"code"`
		Data respond.HistoryRespond `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Code != errorx.CodeSuccess || len(out.Data.Items) != 1 || out.Data.Items[0].SenderID != "alice" {
		t.Fatalf("history: %s", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/presence/bob", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("presence: %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newEngine(config.Default())
	req := httptest.NewRequest(http.MethodOptions, "/api/messages", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin %q", got)
	}
}

func TestTLSRedirectFromConfig(t *testing.T) {
	conf := config.Default()
	conf.MainConfig.TLSRedirect = true
	conf.MainConfig.Host = "relay.example.com"
	conf.MainConfig.Port = 443
	r := newEngine(conf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://relay.example.com/healthz", nil))
	if w.Code != http.StatusMovedPermanently {
		t.Fatalf("expected redirect, got %d", w.Code)
	}
}
