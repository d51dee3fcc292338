package state

import (
	"context"
	"testing"

	"github.com/temoto/vender-ota/internal/transport"
	"github.com/temoto/vender-ota/log2"
)

// NewTestContext reads inline config and wires in-memory transport hub.
func NewTestContext(t testing.TB, confString string) (context.Context, *Global, *transport.Hub) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	log := log2.NewTest(t, log2.LDebug)
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	hub := transport.NewHub()
	g.TransportFactory = hub.Factory()
	g.MustInit(ctx, MustReadConfig(log, fs, "test-inline"))
	return ctx, g, hub
}
