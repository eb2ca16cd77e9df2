// Command statemachine is the StateMachine process of spec.md §2: it runs
// the workflow coordinator against the rig's valves and journal, driven
// entirely over MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/sioux-steel-solutions/pressure-rig-core/internal/config"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/coordinator"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/journal"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/logging"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/mqttutil"
)

type options struct {
	Config string `short:"c" long:"config" description:"path to the rig config JSON file" required:"true"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New("statemachine", logging.FileConfig{Path: cfg.LogFile})

	valves, err := cfg.Valves()
	if err != nil {
		log.Fatal().Err(err).Msg("load valve config")
	}

	j := journal.New(cfg.JournalPathOrDefault(), log.With().Str("subcomponent", "journal").Logger())

	client, err := mqttutil.Connect(cfg.MQTT, "statemachine-"+cfg.DeviceID, log, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("mqtt connect")
	}
	defer client.Disconnect(250)

	co := coordinator.New(cfg.DeviceID, client, j, valves, log.With().Str("subcomponent", "coordinator").Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- co.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("statemachine shutting down")
		co.Snapshot().SetExit(true)
		cancel()
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("coordinator exited")
		}
		return
	}
	<-done
}
