package transport

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestThrottledReader_Bypass(t *testing.T) {
	src := bytes.NewReader([]byte("hello"))
	r := NewThrottledReader(context.Background(), src, 0)
	if r != src {
		t.Fatal("expected bypass when bytesPerSec <= 0")
	}
}

func TestThrottledReader_ReadsAllBytes(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)
	src := bytes.NewReader(data)
	r := NewThrottledReader(context.Background(), src, 1_000_000)

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %d bytes read back intact, got %d", len(data), len(got))
	}
}

func TestThrottledReader_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := bytes.NewReader(bytes.Repeat([]byte("x"), 10))
	r := NewThrottledReader(ctx, src, 10)

	buf := make([]byte, 10)
	if _, err := r.Read(buf); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
