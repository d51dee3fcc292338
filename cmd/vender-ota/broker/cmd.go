// Embedded MQTT broker for local and lab setups.
package broker

import (
	"context"
	"strings"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/vender-ota/cmd/vender-ota/subcmd"
	"github.com/temoto/vender-ota/helpers"
	"github.com/temoto/vender-ota/internal/state"
	"github.com/temoto/vender-ota/internal/transport"
	"github.com/temoto/vender-ota/mqtt"
)

var Mod = subcmd.Mod{Name: "broker", Usage: "run embedded MQTT broker", Main: Main}

const defaultListen = "tcp://0.0.0.0:1883"

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	bc := &config.BrokerServer

	auth := mqtt.AuthAllowAll
	if len(bc.Users) != 0 {
		auth = mqtt.AuthUserMap(bc.Users)
	} else {
		g.Log.Infof("broker users not configured, allowing anonymous clients")
	}
	server := mqtt.NewServer(mqtt.ServerOptions{
		Log:       g.Log,
		OnConnect: auth,
		OnClose: func(clientID string, clean bool, e error) {
			g.Log.Debugf("broker client=%s disconnected clean=%t err=%v", clientID, clean, e)
		},
	})

	lopts, err := listenOptions(bc.Listen, helpers.IntSecondDefault(bc.NetworkTimeoutSec, mqtt.DefaultNetworkTimeout), bc.TlsCertFile, bc.TlsKeyFile)
	if err != nil {
		return err
	}
	if err = server.Listen(ctx, lopts); err != nil {
		_ = server.Close()
		return errors.Annotate(err, "broker")
	}
	g.Log.Infof("broker listening %s", strings.Join(server.Addrs(), " "))
	subcmd.SdNotify(daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case <-g.Alive.StopChan():
	}
	return server.Close()
}

func listenOptions(urls []string, timeout time.Duration, certFile, keyFile string) ([]*mqtt.BackendOptions, error) {
	if len(urls) == 0 {
		urls = []string{defaultListen}
	}
	tlsconf, err := transport.TLSConfig("", certFile, keyFile)
	if err != nil {
		return nil, errors.Annotate(err, "broker")
	}
	lopts := make([]*mqtt.BackendOptions, 0, len(urls))
	for _, u := range urls {
		opt := &mqtt.BackendOptions{URL: u, NetworkTimeout: timeout}
		if strings.HasPrefix(u, "tls://") || strings.HasPrefix(u, "ssl://") {
			if tlsconf == nil {
				return nil, errors.NotValidf("broker listen=%s without tls_cert_file", u)
			}
			opt.TLS = tlsconf
		}
		lopts = append(lopts, opt)
	}
	return lopts, nil
}
