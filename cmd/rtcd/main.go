package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sparknet/realtime/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "path to TOML config file (default: built-in defaults)")
	flag.Parse()

	if *configFlag != "" {
		if _, err := os.Stat(*configFlag); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag}),
	)

	app.Run()
}
