package otelsetup

import (
	"context"
	"testing"
)

func TestNewWithEmptyEndpointIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, "", "worker-1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Shutdown(ctx)

	tracer := p.Tracer()
	_, span := tracer.Start(ctx, "test-span")
	span.End()

	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestStripProtocol(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripProtocol(in); got != want {
			t.Errorf("stripProtocol(%q) = %q, want %q", in, got, want)
		}
	}
}
