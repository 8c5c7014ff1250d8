package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

// Everything sent before shutdown is consumed before the channel goes away.
func TestRunDeliversEverything(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	// A small arena keeps producers close to the watermark.
	sent, received, err := run(ctx, log, "", 2<<20, 2, 64)

	if err != nil {
		t.Fatal(err)
	}

	if sent == 0 {
		t.Fatal("nothing was sent")
	}

	if received != sent {
		t.Errorf("received %d of %d items", received, sent)
	}
}
