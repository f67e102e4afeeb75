package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"codehive.dev/collab/hub"
)

const HubdVersion = "0.1.0"

func main() {
	usage := `Codehive workspace hub.

Serves the workspace rest api and the realtime channel fan-out for
local development and integration testing.

Usage:
    hubd serve [--config=<config>] [--listen=<listen>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<config>      Toml config file.
    --listen=<listen>      Listen address, overrides the config.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], HubdVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	var configPath string
	if configAny := opts["--config"]; configAny != nil {
		configPath = configAny.(string)
	}

	config, err := hub.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	if listenAny := opts["--listen"]; listenAny != nil {
		config.Listen = listenAny.(string)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()

	h := hub.NewHub(config.HubSettings())
	server := &http.Server{
		Addr:    config.Listen,
		Handler: h.Router(),
	}

	fmt.Printf("hubd %s on %s\n", HubdVersion, config.Listen)
	go func() {
		defer cancel()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "serve error: %s\n", err)
		}
	}()

	<-cancelCtx.Done()
	server.Shutdown(context.Background())
}
