// Command backend is the process entry point, grounded on
// _examples/original_source/src/main.cpp's load-config / start / wait /
// stop / join lifecycle, adapted to spf13/cobra for argument parsing (the
// teacher's CLI library of choice) and to a signal-driven wait so the
// process actually serves traffic instead of stopping immediately after
// Start.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ccsuper1024/embedded-backend/config"
	"github.com/ccsuper1024/embedded-backend/runtime"
)

const defaultConfigPath = "config/app_config.cfg"

func main() {
	root := &cobra.Command{
		Use:   "backend [config-path]",
		Short: "Multi-protocol embedded network backend",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, args []string) error {
	path := defaultConfigPath
	if len(args) == 1 {
		path = args[0]
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt := runtime.New(cfg)
	rt.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	rt.Stop()
	rt.Join()
	return nil
}
