// The empdb command serves an employee database file to empdb clients until it is
// interrupted, then writes the database back to disk.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dcrodman/empdb/internal"
	"github.com/dcrodman/empdb/internal/core"
)

func main() {
	flags := pflag.NewFlagSet("empdb", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -f <database file> [-n] [-p <port>]\n", os.Args[0])
		flags.PrintDefaults()
	}
	configFile := flags.StringP("config", "c", "", "Path to a YAML config file")
	flags.StringP("file", "f", "", "Path to the database file (required)")
	flags.BoolP("new", "n", false, "Create a new database file")
	flags.IntP("port", "p", 0, "Port to listen on")
	flags.Int("max-connections", 256, "Maximum number of concurrent clients")
	flags.String("log-level", "info", "Minimum log level: debug, info, warn, error")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	config, err := core.LoadConfig(*configFile, flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flags.Usage()
		os.Exit(1)
	}

	// Bind the Controller to one top-level context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(context.Background())

	// Register a SIGTERM handler so that Ctrl-C will shut the server down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	controller := &internal.Controller{Config: config}
	if err := controller.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("shut down")
}

// exitHandler cancels the server context on the first signal and exits immediately
// on the second.
func exitHandler(cancelFn func(), c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	cancelFn()

	<-c
	fmt.Println("hard exiting (killed)")
	os.Exit(1)
}
