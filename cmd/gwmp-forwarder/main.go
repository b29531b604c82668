package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/blaet/gwmp/config"
	"github.com/blaet/gwmp/forwarder"
	"github.com/blaet/gwmp/packets"
)

func loadConfig(c *cli.Context) (config.Config, error) {
	conf := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if conf, err = config.Load(path); err != nil {
			return conf, err
		}
	}
	if c.IsSet("server") {
		conf.Forwarder.Server = c.String("server")
	}
	if c.IsSet("gateway-id") {
		conf.Forwarder.GatewayID = c.String("gateway-id")
	}
	if c.IsSet("log-level") {
		conf.Log.Level = c.String("log-level")
	}
	return conf, conf.Validate()
}

// current holds the forwarder in use, which is replaced on reconnect.
type current struct {
	mu sync.Mutex
	f  *forwarder.Forwarder
}

func (c *current) get() *forwarder.Forwarder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f
}

func (c *current) set(f *forwarder.Forwarder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.f = f
}

// handleDownlinks acknowledges every received downlink. There is no radio
// to schedule the transmission on.
func handleDownlinks(f *forwarder.Forwarder) {
	for req := range f.Receive() {
		log.WithFields(log.Fields{
			"token": req.Token,
			"freq":  req.TXPK.Freq,
			"size":  req.TXPK.Size,
		}).Info("downlink received")
		if err := req.Ack(); err != nil {
			log.WithError(err).Error("could not acknowledge downlink")
		}
	}
}

// readUplinks sends every line read from stdin as uplink payload.
func readUplinks(ctx context.Context, lines <-chan string, fwd *current) {
	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		now := packets.CompactTime(time.Now().UTC())
		rxpk := packets.RXPK{
			Time: &now,
			Tmst: uint32(time.Now().UnixNano() / int64(time.Microsecond)),
			Freq: 868.1,
			Stat: 1,
			Modu: "LORA",
			DatR: packets.DatR{LoRa: "SF7BW125"},
			CodR: "4/5",
			Size: uint16(len(line)),
			Data: packets.Payload(line),
		}
		attempts, err := fwd.get().SendUplink(ctx, []packets.RXPK{rxpk})
		logFields := log.Fields{"attempts": attempts}
		if err != nil {
			log.WithFields(logFields).Errorf("uplink failed: %s", err)
			continue
		}
		log.WithFields(logFields).Info("uplink acknowledged")
	}
}

func run(c *cli.Context) error {
	conf, err := loadConfig(c)
	if err != nil {
		return err
	}
	level, _ := log.ParseLevel(conf.Log.Level)
	log.SetLevel(level)

	fwdConfig, err := conf.Forwarder.Forwarder()
	if err != nil {
		return err
	}

	f, err := forwarder.Dial(conf.Forwarder.Server, fwdConfig)
	if err != nil {
		return err
	}
	go handleDownlinks(f)

	fwd := &current{f: f}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go readUplinks(ctx, lines, fwd)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigChan:
			log.WithField("signal", sig).Info("signal received, shutting down")
			cancel()
			return fwd.get().Close()
		case <-fwd.get().ReconnectNeeded():
			log.WithField("server", conf.Forwarder.Server).Warning("server unreachable, reconnecting")
			fwd.get().Close()
			f, err := forwarder.Dial(conf.Forwarder.Server, fwdConfig)
			if err != nil {
				return err
			}
			go handleDownlinks(f)
			fwd.set(f)
		}
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "gwmp-forwarder"
	app.Usage = "Semtech UDP packet forwarder sending the lines read from stdin as uplinks"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			Usage:  "path to the TOML configuration file",
			EnvVar: "GWMP_CONFIG",
		},
		cli.StringFlag{
			Name:   "server",
			Value:  "127.0.0.1:1700",
			Usage:  "host:port of the gateway server",
			EnvVar: "SERVER",
		},
		cli.StringFlag{
			Name:   "gateway-id",
			Value:  "0000000000000000",
			Usage:  "gateway EUI (hex encoded)",
			EnvVar: "GATEWAY_ID",
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
