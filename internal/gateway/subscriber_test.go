package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/ctxkeys"
	"github.com/courierhq/courier/internal/event"
)

func envelopeFor(t *testing.T, receivers ...string) event.Envelope {
	t.Helper()
	payload, err := json.Marshal(event.MessageCreated{
		EventType:      event.TypeMessageCreated,
		MessageID:      uuid.NewString(),
		ConversationID: uuid.NewString(),
		SenderID:       uuid.NewString(),
		ReceiverIDs:    receivers,
		Content:        "hi",
		Type:           "TEXT",
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Envelope{
		EventID:       uuid.NewString(),
		AggregateType: event.AggregateMessage,
		AggregateID:   uuid.NewString(),
		Payload:       payload,
		CreatedAt:     time.Now().UnixMilli(),
	}
}

func TestDispatchRoutesToConnectedReceivers(t *testing.T) {
	reg := NewRegistry()
	online := NewClient(nil)
	reg.Add("u-online", online)

	sub := NewSubscriber(nil, reg, nil)
	env := envelopeFor(t, "u-online", "u-offline")
	sub.Dispatch(env)

	select {
	case frame := <-online.send:
		var got event.Envelope
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatalf("frame not an envelope: %v", err)
		}
		if got.EventID != env.EventID {
			t.Fatalf("event_id = %s, want %s", got.EventID, env.EventID)
		}
	default:
		t.Fatal("no frame queued for online receiver")
	}

	if sub.Delivered() != 1 || sub.Dropped() != 0 {
		t.Fatalf("delivered=%d dropped=%d", sub.Delivered(), sub.Dropped())
	}
}

func TestDispatchSkipsForeignAggregates(t *testing.T) {
	reg := NewRegistry()
	c := NewClient(nil)
	reg.Add("u1", c)

	sub := NewSubscriber(nil, reg, nil)
	sub.Dispatch(event.Envelope{
		EventID:       uuid.NewString(),
		AggregateType: "PAYMENT",
		Payload:       []byte(`{}`),
	})

	if len(c.send) != 0 || sub.Delivered() != 0 {
		t.Fatal("foreign aggregate reached a client")
	}
}

func TestDispatchCountsDropsOnClosedClient(t *testing.T) {
	reg := NewRegistry()
	c := NewClient(nil)
	reg.Add("u1", c)
	c.Close()

	sub := NewSubscriber(nil, reg, nil)
	sub.Dispatch(envelopeFor(t, "u1"))

	if sub.Dropped() != 1 || sub.Delivered() != 0 {
		t.Fatalf("delivered=%d dropped=%d", sub.Delivered(), sub.Dropped())
	}
}

func TestGatewayEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := NewRegistry()
	h := NewHandler(reg, config.Gateway{}, nil)
	r := gin.New()
	h.Register(r)

	srv := httptest.NewServer(r)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{ctxkeys.IdentityHeader: []string{"u-e2e"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Count() != 1 {
		t.Fatal("connection never registered")
	}

	sub := NewSubscriber(nil, reg, nil)
	env := envelopeFor(t, "u-e2e")
	sub.Dispatch(env)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var got event.Envelope
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if got.EventID != env.EventID {
		t.Fatalf("event_id = %s, want %s", got.EventID, env.EventID)
	}
	mc, err := event.DecodeMessageCreated(got)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if mc.Content != "hi" {
		t.Fatalf("content = %q", mc.Content)
	}
}

func TestGatewayRejectsAnonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(NewRegistry(), config.Gateway{}, nil)
	r := gin.New()
	h.Register(r)

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

type deadSource struct{ err error }

func (d deadSource) Consume(context.Context, func(event.Envelope) error) error { return d.err }
func (d deadSource) Close() error                                              { return nil }

func TestSubscriberErrSurfacesConsumeFailure(t *testing.T) {
	sub := NewSubscriber(deadSource{err: errors.New("broker gone")}, NewRegistry(), nil)
	if err := sub.Err(); err != nil {
		t.Fatalf("err before run = %v", err)
	}
	if err := sub.Run(context.Background()); err == nil {
		t.Fatal("run returned nil for a broken source")
	}
	if err := sub.Err(); err == nil || !strings.Contains(err.Error(), "broker gone") {
		t.Fatalf("err = %v, want broker gone", err)
	}
}

func TestSubscriberErrNilAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sub := NewSubscriber(deadSource{err: ctx.Err()}, NewRegistry(), nil)
	sub.Run(ctx)
	if err := sub.Err(); err != nil {
		t.Fatalf("cancelled run marked a failure: %v", err)
	}
}
