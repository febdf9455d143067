package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

func TestClaimFresh(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewRedisChecker(client, time.Minute)

	mock.ExpectSetNX("idempotency:k1", "1", time.Minute).SetVal(true)
	if err := c.Claim(context.Background(), "k1"); err != nil {
		t.Fatalf("claim fresh key: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("redis expectations: %v", err)
	}
}

func TestClaimDuplicate(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewRedisChecker(client, time.Minute)

	mock.ExpectSetNX("idempotency:k1", "1", time.Minute).SetVal(false)
	err := c.Claim(context.Background(), "k1")
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestClaimCheckerUnreachable(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewRedisChecker(client, time.Minute)

	mock.ExpectSetNX("idempotency:k1", "1", time.Minute).SetErr(errors.New("connection refused"))
	err := c.Claim(context.Background(), "k1")
	if err == nil {
		t.Fatal("expected error when checker is unreachable")
	}
	// Infrastructure failure must be distinguishable from a duplicate.
	if errors.Is(err, ErrDuplicate) {
		t.Fatalf("unreachable checker reported as duplicate: %v", err)
	}
}

func TestClaimEmptyKey(t *testing.T) {
	client, _ := redismock.NewClientMock()
	c := NewRedisChecker(client, 0)
	if err := c.Claim(context.Background(), ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDefaultTTL(t *testing.T) {
	client, mock := redismock.NewClientMock()
	c := NewRedisChecker(client, 0)

	mock.ExpectSetNX("idempotency:k2", "1", DefaultTTL).SetVal(true)
	if err := c.Claim(context.Background(), "k2"); err != nil {
		t.Fatalf("claim with default ttl: %v", err)
	}
}
