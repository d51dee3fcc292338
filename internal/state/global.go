package state

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/vender-ota/internal/transport"
	"github.com/temoto/vender-ota/log2"
)

// Global is process run context, one per role.
type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log

	// nil means build from Config on first use
	TransportFactory transport.Factory
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error state.NewContext() log=nil")
	}
	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.WithValue(context.Background(), ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *Config) error {
	g.Config = cfg
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if g.TransportFactory == nil {
		tc, err := cfg.TransportConfig(g.Log)
		if err != nil {
			return err
		}
		f, err := transport.NewFactory(tc)
		if err != nil {
			return errors.Annotate(err, "transport")
		}
		g.TransportFactory = f
		if tc.Kind == transport.KindPaho {
			transport.SetPahoLogger(g.Log)
		}
	}
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *Config) {
	if err := g.Init(ctx, cfg); err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}

// Error logs error with stack in debug mode.
func (g *Global) Error(err error, args ...interface{}) {
	if err == nil {
		return
	}
	if len(args) != 0 {
		err = errors.Annotate(err, fmt.Sprint(args...))
	}
	if g.Log.Enabled(log2.LDebug) {
		g.Log.Errorf("%s", errors.ErrorStack(err))
		return
	}
	g.Log.Error(err)
}

// CancelOnSignal returns context canceled by SIGINT/SIGTERM, also stops Alive.
func (g *Global) CancelOnSignal(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigch)
		select {
		case sig := <-sigch:
			g.Log.Infof("signal=%v shutting down", sig)
			g.Alive.Stop()
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
