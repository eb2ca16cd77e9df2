// Command serialservice is the SerialService process of spec.md §2: it owns
// the RS-485 port and hosts the serial multiplexer, the VFD driver, and the
// sensor poller.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/sioux-steel-solutions/pressure-rig-core/internal/config"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/logging"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/mqttutil"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/sensor"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/serialcom"
	"github.com/sioux-steel-solutions/pressure-rig-core/internal/vfd"
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

	log := logging.New("serialservice", logging.FileConfig{Path: cfg.LogFile})

	sc, err := serialcom.New(cfg.Serial, log.With().Str("subcomponent", "serialcom").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("open serial port")
	}
	defer sc.Close()

	client, err := mqttutil.Connect(cfg.MQTT, "serialservice-"+cfg.DeviceID, log, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("mqtt connect")
	}
	defer client.Disconnect(250)

	vd := vfd.New(sc, byte(cfg.VFD.Address), client, cfg.DeviceID, log.With().Str("subcomponent", "vfd").Logger())
	if err := vd.Start(); err != nil {
		log.Fatal().Err(err).Msg("start vfd driver")
	}
	defer vd.Close()

	sp := sensor.NewPoller(sc, client, cfg.DeviceID, log.With().Str("subcomponent", "sensor").Logger())
	if err := sp.Start(cfg.Sensors); err != nil {
		log.Fatal().Err(err).Msg("start sensor poller")
	}
	defer sp.Close()

	log.Info().Str("port", cfg.Serial.Port).Int("sensors", len(cfg.Sensors)).Msg("serialservice running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("serialservice shutting down")
}
