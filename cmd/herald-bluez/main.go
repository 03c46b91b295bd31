package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/herald-blue/ble"
	"github.com/user/herald-blue/bluez"
	"github.com/user/herald-blue/config"
	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/logger"
	"github.com/user/herald-blue/report"
)

func main() {
	app := cli.NewApp()
	app.Name = "herald-bluez"
	app.Usage = "run the BLE proximity sensor on this host's Bluetooth controller"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: config.DefaultConfigPath(),
			Usage: "path to config.yaml",
		},
		cli.StringFlag{
			Name:  "payload",
			Usage: "payload to serve (hex); a random one is used when empty",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "trace, debug, info, warn or error (overrides config)",
		},
		cli.DurationFlag{
			Name:  "duration",
			Usage: "stop after this long; runs until interrupted when zero",
		},
		cli.BoolFlag{
			Name:  "report",
			Usage: "write a Markdown encounter report to the data directory on exit",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.New(color.FgHiRed).Sprint("error:"), err)
		os.Exit(1)
	}
}

func localPayload(c *cli.Context) (datatype.PayloadData, error) {
	if s := c.String("payload"); s != "" {
		data, ok := datatype.DataFromHex(s)
		if !ok {
			return nil, errors.Errorf("payload %q is not hex", s)
		}
		return datatype.PayloadData(data), nil
	}
	id := uuid.New()
	return datatype.PayloadData(id[:]), nil
}

func run(c *cli.Context) error {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	log := logger.New(logger.ParseLevel(cfg.LogLevel), os.Stderr)

	payload, err := localPayload(c)
	if err != nil {
		return err
	}

	adapter := bluez.NewAdapter(log, ble.ServiceUUID)
	recorder := report.NewRecorder(color.Output)
	sensor := ble.NewConcreteBLESensor(adapter, datatype.FixedPayloadDataSupplier(payload), cfg.Sensor, log)
	sensor.Add(recorder)

	if err := adapter.Enable(); err != nil {
		sensor.Close()
		return err
	}
	defer adapter.Close()

	fmt.Printf("=== herald-bluez on %s, payload %s ===\n", adapter.Address(), payload.Hex())
	sensor.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	var timeout <-chan time.Time
	if d := c.Duration("duration"); d > 0 {
		timeout = time.After(d)
	}
	select {
	case sig := <-stop:
		log.Info("received %v, stopping", sig)
	case <-timeout:
		log.Info("duration elapsed, stopping")
	}

	sensor.Stop()
	sensor.Close()

	snapshot, err := sensor.Database().Snapshot()
	if err != nil {
		return errors.Wrap(err, "database snapshot")
	}
	fmt.Println("\nDevices:")
	fmt.Println(logger.ToJSON(snapshot))

	if c.Bool("report") {
		path, err := report.Generate("", "herald-bluez on "+adapter.Address(), recorder, nil)
		if err != nil {
			return err
		}
		fmt.Printf("Report: %s\n", path)
	}
	return nil
}
