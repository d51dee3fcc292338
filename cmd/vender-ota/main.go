package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/vender-ota/cmd/vender-ota/broker"
	"github.com/temoto/vender-ota/cmd/vender-ota/frame"
	"github.com/temoto/vender-ota/cmd/vender-ota/publisher"
	"github.com/temoto/vender-ota/cmd/vender-ota/results"
	"github.com/temoto/vender-ota/cmd/vender-ota/subcmd"
	"github.com/temoto/vender-ota/cmd/vender-ota/subscriber"
	"github.com/temoto/vender-ota/internal/state"
	"github.com/temoto/vender-ota/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X
var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	publisher.Mod,
	subscriber.Mod,
	broker.Mod,
	frame.Mod,
	results.Mod,
}

func main() {
	flagConfig := flag.String("config", "vender-ota.hcl", "")
	flagVersion := flag.Bool("version", false, "print build version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] command\ncommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(flag.CommandLine.Output(), "  %-11s %s\n", m.Name, m.Usage)
		}
		flag.PrintDefaults()
	}
	flag.Parse()
	if *flagVersion {
		fmt.Printf("vender-ota %s\n", BuildVersion)
		return
	}

	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	ctx, cancel := g.CancelOnSignal(ctx)
	defer cancel()

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	log.Debugf("config=%+v", config)
	if err := mod.Main(ctx, config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
