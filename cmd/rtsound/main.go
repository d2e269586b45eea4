// Package main is the rtsound command: it loads the sound module until interrupted, or
// reports how a period would be negotiated with the timer.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"go.viam.com/rtsound/config"
	"go.viam.com/rtsound/logging"
	"go.viam.com/rtsound/rtmodule"
	"go.viam.com/rtsound/scheduler"
)

const (
	// Flags.
	flagConfig   = "config"
	flagDebug    = "debug"
	flagPeriodNs = "period-ns"
	flagPort     = "port"
	flagMask     = "mask"
	flagBackend  = "backend"
	flagDevPort  = "dev-port"
	flagFreq     = "timer-freq"
	flagDuration = "duration"
)

// flagKeys maps override flags to config keys.
var flagKeys = map[string]string{
	flagPeriodNs: "period_ns",
	flagPort:     "port_address",
	flagMask:     "sound_mask",
	flagBackend:  "backend",
	flagDevPort:  "dev_port_path",
	flagFreq:     "timer_freq_hz",
}

func main() {
	app := newApp(os.Stdout, func(debug bool) logging.Logger {
		if debug {
			return logging.NewDebugLogger("rtsound")
		}
		return logging.NewLogger("rtsound")
	})
	if err := app.Run(os.Args); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer, newLogger func(debug bool) logging.Logger) *cli.App {
	var logger logging.Logger

	return &cli.App{
		Name:      "rtsound",
		Usage:     "toggle the PC speaker from a periodic real-time task",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.Int64Flag{
				Name:  flagPeriodNs,
				Usage: "toggle period in nanoseconds",
			},
			&cli.StringFlag{
				Name:  flagPort,
				Usage: "register address, for example 0x61",
			},
			&cli.StringFlag{
				Name:  flagMask,
				Usage: "bit mask of the sound bit, for example 0x02",
			},
			&cli.StringFlag{
				Name:  flagBackend,
				Usage: fmt.Sprintf("register backend: %s, %s or %s", config.BackendDevPort, config.BackendGPIO, config.BackendFake),
			},
			&cli.StringFlag{
				Name:  flagDevPort,
				Usage: "port device `PATH`",
			},
			&cli.Int64Flag{
				Name:  flagFreq,
				Usage: "timer input frequency in Hz",
			},
		},
		Before: func(c *cli.Context) error {
			logger = newLogger(c.Bool(flagDebug))
			logging.ReplaceGlobal(logger)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "load the sound module and keep it running until interrupted",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  flagDuration,
						Usage: "unload after this long instead of waiting for a signal",
					},
				},
				Action: func(c *cli.Context) error {
					conf, err := loadConfig(c)
					if err != nil {
						return err
					}
					return runAction(c.Context, conf, c.Duration(flagDuration), logger)
				},
			},
			{
				Name:  "negotiate",
				Usage: "show the timer period a requested period would get, without starting a task",
				Action: func(c *cli.Context) error {
					conf, err := loadConfig(c)
					if err != nil {
						return err
					}
					return negotiateAction(c.App.Writer, conf, logger)
				},
			},
		},
	}
}

// loadConfig reads --config, if given, over the defaults and then applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	conf := config.Default()
	if path := c.String(flagConfig); path != "" {
		var err error
		if conf, err = config.Read(path); err != nil {
			return nil, err
		}
	}

	overrides := map[string]interface{}{}
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			overrides[key] = c.Value(flag)
		}
	}
	if c.Bool(flagDebug) {
		overrides["log_level"] = "debug"
	}
	if err := conf.Apply(overrides); err != nil {
		return nil, errors.Wrap(err, "applying flags")
	}
	if err := conf.Validate("rtsound"); err != nil {
		return nil, err
	}
	return conf, nil
}

func runAction(ctx context.Context, conf *config.Config, duration time.Duration, logger logging.Logger) error {
	level, err := logging.LevelFromString(conf.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rtmodule.Init(ctx, conf, logger); err != nil {
		return err
	}
	defer rtmodule.Cleanup()

	if duration > 0 {
		goutils.SelectContextOrWait(ctx, duration)
	} else {
		<-ctx.Done()
	}
	logger.Debugw("unloading", "interrupted", ctx.Err() != nil)
	return nil
}

func negotiateAction(out io.Writer, conf *config.Config, logger logging.Logger) error {
	sched, err := scheduler.NewSoftScheduler(nil, conf.TimeBase(), logger.Sublogger("scheduler"))
	if err != nil {
		return err
	}
	sched.SetPeriodicMode()
	n, err := scheduler.Negotiate(sched, conf.PeriodNs)
	if err != nil {
		return err
	}
	if err := sched.StopTimer(); err != nil {
		return err
	}

	fmt.Fprintf(out, "requested: %d ns = %d counts\n", n.RequestedNs, n.RequestedTicks)
	result := color.New(color.FgGreen)
	if n.Deviates() {
		result = color.New(color.FgYellow)
	}
	result.Fprintf(out, "actual:    %d ns = %d counts\n", n.ActualNs, n.ActualTicks)
	return nil
}
