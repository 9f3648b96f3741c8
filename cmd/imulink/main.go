package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/imulink/cmd/imulink/imudevice"
	"github.com/temoto/imulink/cmd/imulink/imuhost"
	"github.com/temoto/imulink/cmd/imulink/subcmd"
	"github.com/temoto/imulink/log2"
	"github.com/temoto/imulink/state"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	imudevice.Mod,
	imuhost.Mod,
	imuhost.CliMod,
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "imulink.hcl", "")
	flagVersion := cmdline.Bool("version", false, "print version and exit")
	cmdline.Usage = func() {
		fmt.Fprintf(cmdline.Output(), "usage: %s [flags] command\ncommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(cmdline.Output(), "  %-8s %s\n", m.Name, m.Usage)
		}
		cmdline.PrintDefaults()
	}
	_ = cmdline.Parse(os.Args[1:])
	if *flagVersion {
		fmt.Println(subcmd.Version())
		return
	}

	mod, err := subcmd.Parse(cmdline.Arg(0), modules)
	if err != nil {
		cmdline.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.Infof("imulink %s version=%s", mod.Name, subcmd.Version())

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	ctx, g := state.NewContext(log, config)
	if err := mod.Main(ctx, config); err != nil {
		g.Log.Fatal(errors.ErrorStack(err))
	}
}
