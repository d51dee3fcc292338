package publisher

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/vender-ota/cmd/vender-ota/subcmd"
	ota_publisher "github.com/temoto/vender-ota/internal/publisher"
	"github.com/temoto/vender-ota/internal/state"
)

var Mod = subcmd.Mod{Name: "publisher", Usage: "serve firmware image to devices", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	p, err := ota_publisher.New(ota_publisher.OptionsFromConfig(g))
	if err != nil {
		return errors.Annotate(err, "publisher init")
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	err = p.Run(ctx)
	p.Stop()
	return err
}
