package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/courierhq/courier/internal/ctxkeys"
	chatgorm "github.com/courierhq/courier/internal/infra/persistence/gorm/chat"
	"github.com/courierhq/courier/internal/service/chat"
	"github.com/courierhq/courier/pkg/idempotency"
)

type memChecker struct{ claimed map[string]bool }

func (m *memChecker) Claim(_ context.Context, key string) error {
	if m.claimed[key] {
		return idempotency.ErrDuplicate
	}
	m.claimed[key] = true
	return nil
}

func newTestServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := chatgorm.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	svc := chat.NewService(chatgorm.NewRepo(db), &memChecker{claimed: map[string]bool{}}, nil)
	srv := New(svc, nil, WithDeadLetterOps(NewStoreDeadLetterOps(chatgorm.NewOutboxStore(db))))
	return srv, db
}

func doJSON(t *testing.T, h http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(ctxkeys.IdentityHeader, userID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func sendBody(convID string) map[string]any {
	return map[string]any{
		"conversation_id": convID,
		"receiver_ids":    []string{uuid.NewString()},
		"content":         "hi",
		"type":            "TEXT",
		"idempotency_key": uuid.NewString(),
	}
}

func TestSendMessageRoute(t *testing.T) {
	srv, db := newTestServer(t)
	h := srv.ginEngine()
	sender := uuid.NewString()
	body := sendBody(uuid.NewString())

	w := doJSON(t, h, http.MethodPost, "/api/v1/messages", sender, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var res chat.SendMessageResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != chat.StatusSent || res.MessageID == "" {
		t.Fatalf("result = %+v", res)
	}

	// Same idempotency key again: conflict.
	w = doJSON(t, h, http.MethodPost, "/api/v1/messages", sender, body)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", w.Code)
	}
	var msgs int64
	db.Model(&chatgorm.MessageRecord{}).Count(&msgs)
	if msgs != 1 {
		t.Fatalf("messages = %d, want 1", msgs)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.ginEngine()

	cases := []struct {
		name   string
		method string
		path   string
		userID string
		body   any
		want   int
	}{
		{"anonymous send", http.MethodPost, "/api/v1/messages", "", sendBody(uuid.NewString()), http.StatusUnauthorized},
		{"malformed body", http.MethodPost, "/api/v1/messages", uuid.NewString(), "not-json", http.StatusBadRequest},
		{"bad conversation id", http.MethodGet, "/api/v1/conversations/nope/messages", uuid.NewString(), nil, http.StatusBadRequest},
		{"bad cursor", http.MethodGet, "/api/v1/conversations?cursor=yesterday", uuid.NewString(), nil, http.StatusBadRequest},
		{"read unknown conversation", http.MethodPost, "/api/v1/conversations/" + uuid.NewString() + "/read", uuid.NewString(), nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, h, tc.method, tc.path, tc.userID, tc.body)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
			var payload map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
				t.Fatalf("error body not JSON: %v", err)
			}
			if payload["error"] == "" {
				t.Fatal("error body missing message")
			}
		})
	}
}

func TestConversationFlowOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.ginEngine()
	sender := uuid.NewString()
	receiver := uuid.NewString()
	convID := uuid.NewString()

	body := sendBody(convID)
	body["receiver_ids"] = []string{receiver}
	if w := doJSON(t, h, http.MethodPost, "/api/v1/messages", sender, body); w.Code != http.StatusOK {
		t.Fatalf("send status = %d", w.Code)
	}

	w := doJSON(t, h, http.MethodGet, "/api/v1/conversations", receiver, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var convs chat.ConversationsPage
	if err := json.Unmarshal(w.Body.Bytes(), &convs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(convs.Conversations) != 1 || convs.Conversations[0].UnreadCount != 1 {
		t.Fatalf("conversations = %+v", convs)
	}

	w = doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/conversations/%s/messages", convID), receiver, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("messages status = %d", w.Code)
	}
	var page chat.MessagesPage
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Content != "hi" {
		t.Fatalf("messages = %+v", page)
	}

	if w := doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%s/read", convID), receiver, nil); w.Code != http.StatusOK {
		t.Fatalf("read status = %d", w.Code)
	}
	w = doJSON(t, h, http.MethodGet, "/api/v1/conversations", receiver, nil)
	var after chat.ConversationsPage
	if err := json.Unmarshal(w.Body.Bytes(), &after); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if after.Conversations[0].UnreadCount != 0 {
		t.Fatalf("unread after read = %d", after.Conversations[0].UnreadCount)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.ginEngine()

	if w := doJSON(t, h, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
	w := doJSON(t, h, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "courier_messages_sent_total") {
		t.Fatalf("metrics body missing counters: %s", w.Body.String())
	}
}

func TestDeadLetterOpsRoutes(t *testing.T) {
	srv, db := newTestServer(t)
	h := srv.ginEngine()

	dl := chatgorm.DeadLetterRecord{
		ID:            uuid.NewString(),
		AggregateType: "MESSAGE",
		AggregateID:   uuid.NewString(),
		Payload:       []byte(`{"content":"hi"}`),
		ErrorMessage:  "broker down",
		RetryCount:    3,
	}
	if err := db.Create(&dl).Error; err != nil {
		t.Fatalf("seed dead letter: %v", err)
	}

	w := doJSON(t, h, http.MethodGet, "/api/ops/dead-letters", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var listed struct {
		DeadLetters []DeadLetterView `json:"dead_letters"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.DeadLetters) != 1 || listed.DeadLetters[0].ErrorMessage != "broker down" {
		t.Fatalf("listed = %+v", listed)
	}

	w = doJSON(t, h, http.MethodPost, "/api/ops/dead-letters/"+dl.ID+"/replay", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("replay = %d, body %s", w.Code, w.Body.String())
	}
	var live int64
	db.Model(&chatgorm.OutboxRecord{}).Count(&live)
	if live != 1 {
		t.Fatalf("outbox rows after replay = %d", live)
	}

	if w := doJSON(t, h, http.MethodPost, "/api/ops/dead-letters/"+uuid.NewString()+"/replay", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("replay unknown = %d", w.Code)
	}
}
