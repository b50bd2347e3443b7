package collector

import (
	"context"

	"github.com/chrisv1180/envoy-logger/internal/sampling"
)

// TokenProvider hands out gateway owner tokens.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	// Invalidate forgets the current token after the gateway rejected it.
	Invalidate()
}

// Gateway is an Envoy that can be logged into and sampled.
type Gateway interface {
	sampling.Source
	Login(ctx context.Context, token string) error
}

// LineWriter writes points and replays buffered line protocol.
type LineWriter interface {
	sampling.Writer
	WriteLines(ctx context.Context, bucket string, lines []string) error
}
