package shared

import (
	"context"
	"testing"
)

func TestCorrelationID_RoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1")
	if got := CorrelationID(ctx); got != "corr-1" {
		t.Fatalf("CorrelationID = %q, want corr-1", got)
	}
}

func TestCorrelationID_Absent(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Fatalf("CorrelationID = %q, want empty", got)
	}
}

func TestEnsureCorrelation_Mints(t *testing.T) {
	ctx, id := EnsureCorrelation(context.Background())
	if id == "" {
		t.Fatal("expected minted correlation id")
	}
	if got := CorrelationID(ctx); got != id {
		t.Fatalf("context carries %q, want %q", got, id)
	}
}

func TestEnsureCorrelation_Preserves(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "existing")
	_, id := EnsureCorrelation(ctx)
	if id != "existing" {
		t.Fatalf("id = %q, want existing", id)
	}
}

func TestUserAndChatID(t *testing.T) {
	ctx := WithUserID(context.Background(), "u-1")
	ctx = WithChatID(ctx, 42)
	if got := UserID(ctx); got != "u-1" {
		t.Fatalf("UserID = %q, want u-1", got)
	}
	if got := ChatID(ctx); got != 42 {
		t.Fatalf("ChatID = %d, want 42", got)
	}
}
