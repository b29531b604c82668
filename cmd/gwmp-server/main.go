package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/blaet/gwmp"
	apphttp "github.com/blaet/gwmp/application/http"
	appnats "github.com/blaet/gwmp/application/nats"
	"github.com/blaet/gwmp/config"
	"github.com/blaet/gwmp/gateway/semtech"
	"github.com/blaet/gwmp/metrics"
)

func loadConfig(c *cli.Context) (config.Config, error) {
	conf := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if conf, err = config.Load(path); err != nil {
			return conf, err
		}
	}
	if c.IsSet("udp-bind") {
		conf.Server.Bind = c.String("udp-bind")
	}
	if c.IsSet("api-bind") {
		conf.API.Bind = c.String("api-bind")
	}
	if c.IsSet("callback-url") {
		conf.API.CallbackURL = c.String("callback-url")
	}
	if c.IsSet("nats-url") {
		conf.API.NATSURL = c.String("nats-url")
	}
	if c.IsSet("log-level") {
		conf.Log.Level = c.String("log-level")
	}
	return conf, conf.Validate()
}

func run(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	level, _ := log.ParseLevel(conf.Log.Level)
	log.SetLevel(level)

	metrics.Register()

	backend, err := semtech.Listen(conf.Server.Bind, conf.Server.Backend())
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if path := c.String("config"); path != "" {
		go func() {
			err := config.Watch(ctx, path, func(conf config.Config) {
				level, _ := log.ParseLevel(conf.Log.Level)
				log.WithField("level", level).Info("configuration changed, updating log level")
				log.SetLevel(level)
			})
			if err != nil && err != context.Canceled {
				log.WithError(err).Warning("could not watch configuration file")
			}
		}()
	}

	var apps gwmp.ApplicationBackends
	if conf.API.CallbackURL != "" {
		log.WithField("callback_url", conf.API.CallbackURL).Info("forwarding uplinks to http callback")
		apps = append(apps, apphttp.NewBackend(conf.API.CallbackURL))
	}
	if conf.API.NATSURL != "" {
		log.WithField("nats_url", conf.API.NATSURL).Info("publishing uplinks to nats")
		nb, err := appnats.Connect(conf.API.NATSURL)
		if err != nil {
			return err
		}
		defer nb.Close()
		apps = append(apps, nb)
	}
	var app gwmp.ApplicationBackend
	if len(apps) > 0 {
		app = apps
	}
	go gwmp.HandleGatewayEvents(backend.Receive(), app)

	// setup admin handler
	r := gwmp.NewAdminRouter(backend)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	server := &http.Server{Addr: conf.API.Bind, Handler: r}
	go func() {
		log.WithField("addr", conf.API.Bind).Info("starting admin http api server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	log.WithField("signal", <-sigChan).Info("signal received, shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warning("could not shut down admin http api server")
	}
	return backend.Close()
}

func main() {
	app := cli.NewApp()
	app.Name = "gwmp-server"
	app.Usage = "Semtech UDP gateway server which acknowledges gateway packets and sends downlinks"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			Usage:  "path to the TOML configuration file",
			EnvVar: "GWMP_CONFIG",
		},
		cli.StringFlag{
			Name:   "udp-bind",
			Value:  "0.0.0.0:1700",
			Usage:  "ip:port to bind to for incoming (UDP) gateway packets",
			EnvVar: "UDP_BIND",
		},
		cli.StringFlag{
			Name:   "api-bind",
			Value:  "0.0.0.0:8000",
			Usage:  "ip:port to bind to for the admin api and metrics (HTTP)",
			EnvVar: "API_BIND",
		},
		cli.StringFlag{
			Name:   "callback-url",
			Usage:  "url to which received uplinks are posted",
			EnvVar: "CALLBACK_URL",
		},
		cli.StringFlag{
			Name:   "nats-url",
			Usage:  "nats server url to which received uplinks are published",
			EnvVar: "NATS_URL",
		},
		cli.StringFlag{
			Name:   "log-level",
			Value:  "info",
			Usage:  "debug, info, warning, error, fatal or panic",
			EnvVar: "LOG_LEVEL",
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
