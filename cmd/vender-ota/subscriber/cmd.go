package subscriber

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/vender-ota/cmd/vender-ota/subcmd"
	"github.com/temoto/vender-ota/internal/state"
	ota_subscriber "github.com/temoto/vender-ota/internal/subscriber"
)

var Mod = subcmd.Mod{Name: "subscriber", Usage: "device side, poll for update and download it", Main: Main}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)

	opt := ota_subscriber.OptionsFromConfig(g)
	opt.OnState = func(s ota_subscriber.State, sess ota_subscriber.Session) {
		subcmd.SdNotify("STATUS=" + s.String())
		if s == ota_subscriber.StateIdle && sess.Result != "" {
			g.Log.Infof("download %s result=%q size=%d path=%s", sess.String(), sess.Result, sess.TotalSize, sess.OutputPath)
		}
	}
	s, err := ota_subscriber.New(opt)
	if err != nil {
		return errors.Annotate(err, "subscriber init")
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	return s.Run(ctx)
}
