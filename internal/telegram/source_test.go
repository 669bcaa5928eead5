package telegram

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCtxReaderPassesThrough(t *testing.T) {
	r := &ctxReader{ctx: context.Background(), r: strings.NewReader("story bytes")}
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(b) != "story bytes" {
		t.Fatalf("read %q", b)
	}
}

func TestCtxReaderStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var out strings.Builder
	src := io.MultiReader(
		strings.NewReader(strings.Repeat("a", 4)),
		readerFunc(func(p []byte) (int, error) {
			// Simulate the deadline firing mid-download.
			cancel()
			p[0] = 'b'
			return 1, nil
		}),
		strings.NewReader(strings.Repeat("c", 1<<20)),
	)

	_, err := io.Copy(&out, &ctxReader{ctx: ctx, r: src})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Copy err = %v, want context.Canceled", err)
	}
	if strings.Contains(out.String(), "c") {
		t.Fatalf("copy continued past cancellation: %q", out.String())
	}
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
