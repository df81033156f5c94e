package main

import (
	"flag"
	"fmt"

	"github.com/teplo/navitele/cmd/navitele/broker"
	"github.com/teplo/navitele/cmd/navitele/decode"
	"github.com/teplo/navitele/cmd/navitele/monitor"
	"github.com/teplo/navitele/cmd/navitele/subcmd"
	"github.com/teplo/navitele/internal/state"
	"github.com/teplo/navitele/log2"
)

// set at build time with -ldflags "-X main.BuildVersion=..."
var BuildVersion string = "unknown"

var commands = []subcmd.Mod{
	broker.Mod,
	decode.Mod,
	monitor.Mod,
}

func main() {
	flagConfig := flag.String("config", "navitele.hcl", "")
	flagLogDebug := flag.Bool("log-debug", false, "")
	flagVersion := flag.Bool("version", false, "print build version and exit")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "monitor"
	}
	if *flagVersion || command == "version" {
		fmt.Println("navitele", BuildVersion)
		return
	}

	log := log2.NewStderr(log2.LInfo)
	if *flagLogDebug {
		log.SetLevel(log2.LDebug)
	}
	if subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	mod, err := subcmd.Parse(command, commands)
	if err != nil {
		log.Fatalf("command line: %v", err)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion

	if err := mod.Main(ctx, config); err != nil {
		g.Fatal(err)
	}
}
