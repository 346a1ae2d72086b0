package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nvoss/chatstream"
	"github.com/nvoss/chatstream/password"
	"github.com/nvoss/chatstream/store"
	"github.com/nvoss/chatstream/stream"
)

// helloProvider emits a short text answer and stops.
type helloProvider struct{}

func (helloProvider) Stream(_ context.Context, _ stream.Request, emit func(stream.Event) error) (*stream.Completion, error) {
	_ = emit(stream.Event{Type: stream.EventTextDelta, Delta: "Hello"})
	return &stream.Completion{Text: "Hello", FinishReason: "stop"}, nil
}

type apiFixture struct {
	router *gin.Engine
	db     *store.Store
	engine *chatstream.Engine
	broker *stream.Broker
	mr     *miniredis.Miniredis
}

func newAPITest(t *testing.T) *apiFixture {
	return newAPITestWith(t, true, helloProvider{})
}

func newAPITestWith(t *testing.T, durable bool, provider stream.Provider) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := store.Open(store.Config{Driver: store.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := chatstream.DefaultConfig()
	cfg.JWT.PrivateKey = []byte("test-secret-0123456789")
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1

	engine, err := chatstream.New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserProvider(db.Accounts()).
		WithEntitlementSources(db, db).
		Build(context.Background())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	var brokerRedis redis.UniversalClient
	if durable {
		brokerRedis = client
	}
	broker := stream.NewBroker(stream.BrokerConfig{Redis: brokerRedis, TTL: time.Minute, Log: zerolog.Nop()})
	orch := stream.NewOrchestrator(provider, broker, db, nil, nil,
		stream.OrchestratorConfig{MaxSteps: 5, MaxWallClock: 5 * time.Second}, zerolog.Nop())

	srv := NewServer(engine, db, orch, broker, zerolog.Nop())
	f := &apiFixture{router: srv.Router(), db: db, engine: engine, broker: broker, mr: mr}

	if err := db.DB().Create(&store.ChatModel{ID: "m-1", Name: "Test Model", MaxTokens: 512, Enabled: true}).Error; err != nil {
		t.Fatalf("seed model: %v", err)
	}
	return f
}

func (f *apiFixture) guestToken(t *testing.T) string {
	t.Helper()
	res, err := f.engine.GuestLogin(context.Background())
	if err != nil {
		t.Fatalf("guest login: %v", err)
	}
	return res.Token
}

// closeNotifyRecorder adds the http.CloseNotifier method gin's c.Stream
// requires; a bare httptest.ResponseRecorder panics inside relayStream.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool { return r.closed }

func (f *apiFixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(&closeNotifyRecorder{w, make(chan bool, 1)}, req)
	return w
}

func chatBody(chatID, text string) map[string]any {
	return map[string]any{
		"id": chatID,
		"message": map[string]any{
			"id":    uuid.NewString(),
			"role":  "user",
			"parts": []map[string]any{{"type": "text", "text": text}},
		},
		"selectedChatModel":      "m-1",
		"selectedVisibilityType": "private",
	}
}

func TestChatValidationRunsBeforePersistence(t *testing.T) {
	f := newAPITest(t)
	token := f.guestToken(t)
	chatID := uuid.NewString()

	// Unparsable body.
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", w.Code)
	}

	// Oversized text part.
	if w := f.do(http.MethodPost, "/api/chat", token, chatBody(chatID, strings.Repeat("x", 2001))); w.Code != http.StatusBadRequest {
		t.Fatalf("oversized text: %d", w.Code)
	}
	// Bad visibility.
	bad := chatBody(chatID, "hi")
	bad["selectedVisibilityType"] = "secret"
	if w := f.do(http.MethodPost, "/api/chat", token, bad); w.Code != http.StatusBadRequest {
		t.Fatalf("bad visibility: %d", w.Code)
	}
	// Non-uuid chat id.
	if w := f.do(http.MethodPost, "/api/chat", token, chatBody("not-a-uuid", "hi")); w.Code != http.StatusBadRequest {
		t.Fatalf("bad chat id: %d", w.Code)
	}

	// Nothing was persisted by the rejected requests.
	if _, err := f.db.ChatByID(chatID); err == nil {
		t.Fatal("rejected request created a chat")
	}

	// Unknown model is rejected after schema checks.
	unknown := chatBody(chatID, "hi")
	unknown["selectedChatModel"] = "m-unknown"
	if w := f.do(http.MethodPost, "/api/chat", token, unknown); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown model: %d", w.Code)
	}
}

func TestChatStreamsAndPersistsTranscript(t *testing.T) {
	f := newAPITest(t)
	token := f.guestToken(t)
	chatID := uuid.NewString()

	w := f.do(http.MethodPost, "/api/chat", token, chatBody(chatID, "say hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("chat: %d %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "text-delta") || !strings.Contains(body, "finish") {
		t.Fatalf("stream body missing events: %s", body)
	}
	if !strings.Contains(body, "Hello") {
		t.Fatalf("stream body missing text: %s", body)
	}

	chat, err := f.db.ChatByID(chatID)
	if err != nil {
		t.Fatalf("chat row: %v", err)
	}
	if chat.Title != "say hello" {
		t.Fatalf("title %q", chat.Title)
	}

	msgs, err := f.db.MessagesByChatID(chatID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("transcript %+v", msgs)
	}
	if !strings.Contains(msgs[1].Parts, "Hello") {
		t.Fatalf("assistant parts %s", msgs[1].Parts)
	}
}

func TestChatOwnershipEnforced(t *testing.T) {
	f := newAPITest(t)
	owner := f.guestToken(t)
	stranger := f.guestToken(t)
	chatID := uuid.NewString()

	if w := f.do(http.MethodPost, "/api/chat", owner, chatBody(chatID, "mine")); w.Code != http.StatusOK {
		t.Fatalf("owner chat: %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/chat", stranger, chatBody(chatID, "takeover")); w.Code != http.StatusForbidden {
		t.Fatalf("stranger post: %d, want 403", w.Code)
	}
}

func TestResumeStreamReplaysLatest(t *testing.T) {
	f := newAPITest(t)
	token := f.guestToken(t)
	chatID := uuid.NewString()

	if w := f.do(http.MethodPost, "/api/chat", token, chatBody(chatID, "say hello")); w.Code != http.StatusOK {
		t.Fatalf("chat: %d", w.Code)
	}

	w := f.do(http.MethodGet, "/api/chat/stream?chatId="+chatID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "finish") {
		t.Fatalf("replay missing terminal event: %s", w.Body.String())
	}

	// A stranger cannot resume a private chat.
	stranger := f.guestToken(t)
	if w := f.do(http.MethodGet, "/api/chat/stream?chatId="+chatID, stranger, nil); w.Code != http.StatusForbidden {
		t.Fatalf("stranger resume: %d, want 403", w.Code)
	}

	if w := f.do(http.MethodGet, "/api/chat/stream?chatId="+uuid.NewString(), token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown chat resume: %d, want 404", w.Code)
	}
}

func TestDeleteChatContract(t *testing.T) {
	f := newAPITest(t)
	owner := f.guestToken(t)
	stranger := f.guestToken(t)
	chatID := uuid.NewString()

	if w := f.do(http.MethodPost, "/api/chat", owner, chatBody(chatID, "to delete")); w.Code != http.StatusOK {
		t.Fatalf("chat: %d", w.Code)
	}

	if w := f.do(http.MethodDelete, "/api/chat?id="+chatID, stranger, nil); w.Code != http.StatusForbidden {
		t.Fatalf("stranger delete: %d, want 403", w.Code)
	}
	if w := f.do(http.MethodDelete, "/api/chat?id=bogus", owner, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id delete: %d, want 400", w.Code)
	}
	if w := f.do(http.MethodDelete, "/api/chat?id="+uuid.NewString(), owner, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing delete: %d, want 404", w.Code)
	}

	w := f.do(http.MethodDelete, "/api/chat?id="+chatID, owner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner delete: %d", w.Code)
	}
	var deleted struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &deleted); err != nil || deleted.ID != chatID {
		t.Fatalf("deleted row %s", w.Body.String())
	}
	if _, err := f.db.ChatByID(chatID); err == nil {
		t.Fatal("chat survived delete")
	}
}

func TestQuotaExhaustionReturns429(t *testing.T) {
	f := newAPITest(t)
	token := f.guestToken(t)

	group := &store.Group{Class: "guest", MaxMessagesPerDay: 1}
	if err := group.SetAllowedModelIDs([]string{"m-1"}); err != nil {
		t.Fatal(err)
	}
	if err := f.db.DB().Create(group).Error; err != nil {
		t.Fatalf("seed group: %v", err)
	}

	if w := f.do(http.MethodPost, "/api/chat", token, chatBody(uuid.NewString(), "first")); w.Code != http.StatusOK {
		t.Fatalf("first message: %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/chat", token, chatBody(uuid.NewString(), "second")); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second message: %d, want 429", w.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newAPITest(t)

	hasher, err := password.NewArgon2(password.Config{
		Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	if err != nil {
		t.Fatal(err)
	}
	hash, err := hasher.Hash("hunter2-long")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.db.CreateUser(&store.User{
		ID: "u-1", Email: "a@example.com", Class: "regular", PasswordHash: hash,
	}); err != nil {
		t.Fatal(err)
	}

	w := f.do(http.MethodPost, "/api/session/login", "", map[string]string{
		"email": "a@example.com", "password": "hunter2-long",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var session struct {
		Token string `json:"token"`
		User  struct {
			Class string `json:"class"`
		} `json:"user"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &session); err != nil || session.Token == "" {
		t.Fatalf("session body %s", w.Body.String())
	}
	if session.User.Class != "regular" {
		t.Fatalf("class %q", session.User.Class)
	}

	if w := f.do(http.MethodPost, "/api/session/login", "", map[string]string{
		"email": "a@example.com", "password": "wrong-password",
	}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: %d", w.Code)
	}

	// Change password revokes the session it did not use.
	other := f.do(http.MethodPost, "/api/session/login", "", map[string]string{
		"email": "a@example.com", "password": "hunter2-long",
	})
	var otherSession struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(other.Body.Bytes(), &otherSession)

	w = f.do(http.MethodPost, "/api/session/password", session.Token, map[string]string{
		"currentPassword": "hunter2-long", "newPassword": "a-new-secret-42",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("change password: %d %s", w.Code, w.Body.String())
	}
	var changed struct {
		Revoked int `json:"revokedSessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &changed); err != nil || changed.Revoked != 2 {
		t.Fatalf("revoked sessions %s", w.Body.String())
	}
	if w := f.do(http.MethodGet, "/api/session/models", otherSession.Token, nil); w.Code != 419 {
		t.Fatalf("revoked session status: %d, want 419", w.Code)
	}

	// Logout with a fresh session.
	relogin := f.do(http.MethodPost, "/api/session/login", "", map[string]string{
		"email": "a@example.com", "password": "a-new-secret-42",
	})
	if relogin.Code != http.StatusOK {
		t.Fatalf("relogin: %d", relogin.Code)
	}
	var fresh struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(relogin.Body.Bytes(), &fresh)
	if w := f.do(http.MethodPost, "/api/session/logout", fresh.Token, nil); w.Code != http.StatusOK {
		t.Fatalf("logout: %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/session/logout", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("logout without token: %d", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/session/logout", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("logout garbage token: %d, want 401", w.Code)
	}
}

func TestModelsFilteredByEntitlements(t *testing.T) {
	f := newAPITest(t)
	token := f.guestToken(t)

	if err := f.db.DB().Create(&store.ChatModel{ID: "m-2", Name: "Restricted", MaxTokens: 512, Enabled: true}).Error; err != nil {
		t.Fatal(err)
	}
	group := &store.Group{Class: "guest", MaxMessagesPerDay: 10}
	if err := group.SetAllowedModelIDs([]string{"m-1"}); err != nil {
		t.Fatal(err)
	}
	if err := f.db.DB().Create(group).Error; err != nil {
		t.Fatal(err)
	}

	w := f.do(http.MethodGet, "/api/session/models", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("models: %d", w.Code)
	}
	var out struct {
		Models []struct {
			ID string `json:"id"`
		} `json:"models"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Models) != 1 || out.Models[0].ID != "m-1" {
		t.Fatalf("filtered models %s", w.Body.String())
	}
}

func TestGuestLoginEndpoint(t *testing.T) {
	f := newAPITest(t)

	w := f.do(http.MethodPost, "/api/session/guest", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("guest: %d", w.Code)
	}
	var session struct {
		Token string `json:"token"`
		User  struct {
			Class string `json:"class"`
		} `json:"user"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &session); err != nil || session.Token == "" {
		t.Fatalf("guest body %s", w.Body.String())
	}
	if session.User.Class != "guest" {
		t.Fatalf("class %q", session.User.Class)
	}
	if w := f.do(http.MethodGet, "/api/session/models", session.Token, nil); w.Code != http.StatusOK {
		t.Fatalf("guest token rejected: %d", w.Code)
	}
}

// failingProvider errors before emitting anything, so the generation ends
// almost immediately after Run returns.
type failingProvider struct{}

func (failingProvider) Stream(context.Context, stream.Request, func(stream.Event) error) (*stream.Completion, error) {
	return nil, errors.New("upstream gone")
}

func TestChatWithoutRedisStillDeliversOwnStream(t *testing.T) {
	f := newAPITestWith(t, false, failingProvider{})
	token := f.guestToken(t)
	chatID := uuid.NewString()

	// The generation seals its log more or less instantly; the requester
	// attaching right after Run must still receive the terminal event.
	w := f.do(http.MethodPost, "/api/chat", token, chatBody(chatID, "hi"))
	if w.Code != http.StatusOK {
		t.Fatalf("chat: %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "generation failed") {
		t.Fatalf("missing terminal error event: %s", w.Body.String())
	}

	// Resuming later still requires the durable buffer.
	if w := f.do(http.MethodGet, "/api/chat/stream?chatId="+chatID, token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("resume without redis: %d, want 404", w.Code)
	}
}
