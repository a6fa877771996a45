package chat

import (
	"context"
	"errors"
	"testing"
)

func TestDMCacheGetOrResolve(t *testing.T) {
	c, err := NewDMCache(2)
	if err != nil {
		t.Fatalf("NewDMCache() error = %v", err)
	}
	calls := map[string]int{}
	resolve := func(ctx context.Context, userID string) (string, error) {
		calls[userID]++
		return "D" + userID, nil
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := c.GetOrResolve(ctx, "U1", resolve)
		if err != nil || id != "DU1" {
			t.Fatalf("GetOrResolve(U1) = %q, %v", id, err)
		}
	}
	if calls["U1"] != 1 {
		t.Errorf("resolver called %d times for U1, want 1", calls["U1"])
	}

	// U2 fills the cache; touching U1 makes U2 the eviction candidate.
	c.GetOrResolve(ctx, "U2", resolve)
	c.GetOrResolve(ctx, "U1", resolve)
	c.GetOrResolve(ctx, "U3", resolve)
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	c.GetOrResolve(ctx, "U1", resolve)
	c.GetOrResolve(ctx, "U2", resolve)
	if calls["U1"] != 1 {
		t.Errorf("U1 evicted despite recent use (calls = %d)", calls["U1"])
	}
	if calls["U2"] != 2 {
		t.Errorf("U2 resolver calls = %d, want 2 after eviction", calls["U2"])
	}
}

func TestDMCacheDoesNotCacheErrors(t *testing.T) {
	c, _ := NewDMCache(0)
	fail := errors.New("user_not_found")
	attempts := 0
	resolve := func(ctx context.Context, userID string) (string, error) {
		attempts++
		if attempts == 1 {
			return "", fail
		}
		return "D1", nil
	}

	if _, err := c.GetOrResolve(context.Background(), "U1", resolve); !errors.Is(err, fail) {
		t.Fatalf("first GetOrResolve() error = %v, want %v", err, fail)
	}
	id, err := c.GetOrResolve(context.Background(), "U1", resolve)
	if err != nil || id != "D1" {
		t.Fatalf("second GetOrResolve() = %q, %v", id, err)
	}
	c.Purge()
	if c.Len() != 0 {
		t.Errorf("Len() after Purge = %d", c.Len())
	}
}
