package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"

	"github.com/user/herald-blue/config"
	"github.com/user/herald-blue/logger"
	"github.com/user/herald-blue/report"
	"github.com/user/herald-blue/sim"
)

var (
	okColor   = color.New(color.FgHiGreen).SprintFunc()
	failColor = color.New(color.FgHiRed).SprintFunc()
)

var configFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Value: config.DefaultConfigPath(),
		Usage: "path to config.yaml",
	},
	cli.IntFlag{
		Name:  "peers",
		Usage: "number of simulated peers (overrides config)",
	},
	cli.IntFlag{
		Name:  "mtu",
		Usage: "MTU negotiated by simulated centrals (overrides config)",
	},
	cli.DurationFlag{
		Name:  "duration",
		Usage: "how long to keep playing rounds (overrides config)",
	},
	cli.StringFlag{
		Name:  "log-level",
		Usage: "trace, debug, info, warn or error (overrides config)",
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "herald-sim"
	app.Usage = "run the BLE proximity sensor against simulated peers"
	app.Version = "0.1.0"
	app.Flags = append(configFlags,
		cli.BoolFlag{
			Name:  "report",
			Usage: "write a Markdown encounter report to the data directory",
		},
		cli.BoolFlag{
			Name:  "quiet, q",
			Usage: "do not print each sensor event",
		},
	)
	app.Action = runCommand
	app.Commands = []cli.Command{
		{
			Name:   "config",
			Usage:  "print the effective configuration as YAML",
			Flags:  configFlags,
			Action: configCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, failColor("error:"), err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("peers") {
		cfg.Simulation.Peers = c.Int("peers")
	}
	if c.IsSet("mtu") {
		cfg.Simulation.MTU = c.Int("mtu")
	}
	if c.IsSet("duration") {
		cfg.Simulation.Duration = c.Duration("duration")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func configCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	fmt.Print(string(out))
	return nil
}

func runCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := logger.New(logger.ParseLevel(cfg.LogLevel), os.Stderr)

	var recorder *report.Recorder
	if c.Bool("quiet") {
		recorder = report.NewRecorder(nil)
	} else {
		recorder = report.NewRecorder(color.Output)
	}

	simulation, err := sim.New(cfg, log, recorder)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("=== herald-sim: %d peers, mtu %d, %v ===\n", cfg.Simulation.Peers, cfg.Simulation.MTU, cfg.Simulation.Duration)
	result, err := simulation.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	snapshot, err := simulation.Sensor().Database().Snapshot()
	if err != nil {
		return errors.Wrap(err, "database snapshot")
	}
	fmt.Println("\nDevices:")
	fmt.Println(logger.ToJSON(snapshot))

	issues := report.Check(recorder, result.Expectations)
	fmt.Printf("\nRounds: %d  Encounters: %d  Failures: %d\n", result.Rounds, result.Encounters, len(result.Failures))
	if len(issues) == 0 && len(result.Failures) == 0 {
		fmt.Println(okColor("✅ every peer was detected, measured and read"))
	} else {
		for _, issue := range issues {
			fmt.Printf("%s %s\n", failColor("❌ "+issue.Severity), issue.Description)
		}
		for _, failure := range result.Failures {
			fmt.Printf("%s %v\n", failColor("❌ FAILURE"), failure)
		}
	}

	if c.Bool("report") {
		path, err := report.Generate("", fmt.Sprintf("herald-sim, %d peers, %d rounds", cfg.Simulation.Peers, result.Rounds), recorder, issues)
		if err != nil {
			return err
		}
		fmt.Printf("Report: %s\n", path)
	}
	return nil
}
