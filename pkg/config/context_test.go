package config

import (
	"context"
	"testing"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	return context.TODO()
}

func TestBadFromContext(t *testing.T) {
	ctx := context.TODO()
	if c := FromContext(ctx); c != nil {
		t.Errorf("FromContext(ctx) => %v, want %v", c, nil)
	}
}
