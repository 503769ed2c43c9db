// Copyright (c) 2026 the vmfleetd authors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vmfleet/vmfleetd/internal/config"
	"github.com/vmfleet/vmfleetd/internal/hypervisor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const name = "vmfleetd"

var vmfleetdLog = logrus.WithField("source", name)

// handledSignals mirrors the teacher's pkg/signals convention of an
// explicit, reviewed signal list rather than catching everything.
var handledSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT}

func initLog(level string) *logrus.Entry {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.Formatter = &logrus.TextFormatter{TimestampFormat: time.RFC3339Nano}
	vmfleetdLog = logger.WithField("source", name)
	return vmfleetdLog
}

func main() {
	app := cli.NewApp()
	app.Name = name
	app.Usage = "host-local hypervisor management driver"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "/etc/vmfleetd/config.toml",
			Usage: "path to the driver configuration file",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "logging level (trace/debug/info/warn/error/fatal/panic)",
		},
		cli.StringFlag{
			Name:  "metrics-address",
			Value: ":9100",
			Usage: "address the prometheus /metrics endpoint listens on",
		},
		cli.StringFlag{
			Name:  "cgroup-path",
			Value: "driver",
			Usage: "per-process cgroup path for the default, unconstrained resource binder",
		},
	}

	app.Action = func(c *cli.Context) error {
		log := initLog(c.String("log-level"))

		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		var cg hypervisor.Cgroup
		if lcg, err := hypervisor.NewLinuxCgroup(c.String("cgroup-path"), nil); err != nil {
			log.WithError(err).Warn("failed to create default cgroup, resource binder will run without device isolation")
		} else {
			cg = lcg
		}

		dc, err := hypervisor.NewDriverContext(cfg, cg, log)
		if err != nil {
			return fmt.Errorf("initializing driver context: %w", err)
		}

		dc.RunAutostart(nil, func(vmName string) error {
			log.WithField("vm", vmName).Info("autostart requested; process spawning is owned by the caller's orchestration layer")
			return nil
		})

		http.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: c.String("metrics-address")}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server exited")
			}
		}()

		sigCh := make(chan os.Signal, 8)
		signal.Notify(sigCh, handledSignals...)
		sig := <-sigCh
		log.WithField("signal", sig).Info("received shutdown signal")

		_ = server.Close()
		dc.Shutdown(func(vm *hypervisor.VM) {
			log.WithField("vm", vm.Name()).Warn("force-releasing VM reference at shutdown")
		})
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
