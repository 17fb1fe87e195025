package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatmon/chatmon/alerter"
	"github.com/chatmon/chatmon/pkg/logger"
	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "alerter",
		Usage: "chatmon alerting engine",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dev", Usage: "Run on a local dev machine with fake telemetry and notification backends"},
			&cli.StringFlag{Name: "config", Usage: "Engine options file path"},
			&cli.StringFlag{Name: "alerting-config", Usage: "Alerting config document path (overrides the options file)"},
			&cli.IntFlag{Name: "port", Usage: "Metrics and alert API port number"},
			&cli.IntFlag{Name: "concurrency", Usage: "Number of concurrent rule evaluations"},
		},

		Commands: []*cli.Command{
			{
				Name:  "config",
				Usage: "Generate an engine options file",
				Action: func(c *cli.Context) error {
					buf := bytes.Buffer{}
					enc := toml.NewEncoder(&buf)
					enc.SetIndentTables(true)
					if err := enc.Encode(DefaultConfig); err != nil {
						return err
					}

					fmt.Println(buf.String())

					return nil
				},
			},
		},

		Action: func(ctx *cli.Context) error {
			return realMain(ctx)
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatalf(err.Error())
	}
}

func realMain(ctx *cli.Context) error {
	cfg := DefaultConfig
	if configFile := ctx.String("config"); configFile != "" {
		configBytes, err := os.ReadFile(configFile)
		if err != nil {
			return err
		}

		var fileConfig Config
		if err := toml.Unmarshal(configBytes, &fileConfig); err != nil {
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				fmt.Println(derr.String())
				row, col := derr.Position()
				fmt.Println("error occurred at row", row, "column", col)
			}

			return err
		}
		cfg = fileConfig
	}

	if ctx.IsSet("alerting-config") {
		cfg.AlertingConfig = ctx.String("alerting-config")
	}
	if ctx.IsSet("port") {
		cfg.Port = ctx.Int("port")
	}
	if ctx.IsSet("concurrency") {
		cfg.Concurrency = ctx.Int("concurrency")
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	escalation, err := cfg.EscalationTable()
	if err != nil {
		return err
	}

	opts := &alerter.AlerterOpts{
		Dev:              ctx.Bool("dev"),
		Port:             cfg.Port,
		ConfigPath:       cfg.AlertingConfig,
		ReloadInterval:   time.Duration(cfg.ReloadIntervalSeconds) * time.Second,
		TelemetryAddr:    cfg.TelemetryTarget,
		AlertAddr:        cfg.AlertTarget,
		Concurrency:      cfg.Concurrency,
		QueryTimeout:     time.Duration(cfg.QueryTimeoutSeconds) * time.Second,
		ReNotifyInterval: time.Duration(cfg.ReNotifyIntervalSeconds) * time.Second,
		MaxNotifications: cfg.MaxNotifications,
		Escalation:       escalation,
	}

	svcCtx, cancel := context.WithCancel(context.Background())
	svc, err := alerter.NewService(opts)
	if err != nil {
		cancel()
		return err
	}
	if err := svc.Open(svcCtx); err != nil {
		cancel()
		return err
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sc
		cancel()

		logger.Infof("Received signal %s, exiting...", sig.String())
		if err := svc.Close(); err != nil {
			logger.Errorf(err.Error())
		}
	}()
	<-svcCtx.Done()
	return nil
}
