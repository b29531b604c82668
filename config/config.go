// Package config implements the TOML configuration file of the gwmp
// binaries.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/brocaar/lorawan"
	log "github.com/sirupsen/logrus"

	"github.com/blaet/gwmp/forwarder"
	"github.com/blaet/gwmp/gateway/semtech"
)

// Duration is a time.Duration read from a duration string (e.g. "5s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds the configuration of both binaries.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Forwarder ForwarderConfig `toml:"forwarder"`
	API       APIConfig       `toml:"api"`
	Log       LogConfig       `toml:"log"`
}

// ServerConfig holds the configuration of the gateway UDP listener.
type ServerConfig struct {
	Bind           string   `toml:"bind"`
	TXAckTimeout   Duration `toml:"tx_ack_timeout"`
	SessionTimeout Duration `toml:"session_timeout"`
	SweepInterval  Duration `toml:"sweep_interval"`
	EventQueueSize int      `toml:"event_queue_size"`
}

// Backend returns the semtech.Config for this configuration.
func (c ServerConfig) Backend() semtech.Config {
	return semtech.Config{
		TXAckTimeout:   c.TXAckTimeout.Duration,
		SessionTimeout: c.SessionTimeout.Duration,
		SweepInterval:  c.SweepInterval.Duration,
		EventQueueSize: c.EventQueueSize,
	}
}

// ForwarderConfig holds the configuration of the packet forwarder.
type ForwarderConfig struct {
	Server            string   `toml:"server"`
	GatewayID         string   `toml:"gateway_id"`
	KeepaliveInterval Duration `toml:"keepalive_interval"`
	AckTimeout        Duration `toml:"ack_timeout"`
	MissThreshold     int      `toml:"miss_threshold"`
	UplinkRetries     int      `toml:"uplink_retries"`
	SweepInterval     Duration `toml:"sweep_interval"`
	EventQueueSize    int      `toml:"event_queue_size"`
}

// Forwarder returns the forwarder.Config for this configuration.
func (c ForwarderConfig) Forwarder() (forwarder.Config, error) {
	var mac lorawan.EUI64
	if err := mac.UnmarshalText([]byte(c.GatewayID)); err != nil {
		return forwarder.Config{}, fmt.Errorf("config: invalid gateway_id: %w", err)
	}
	return forwarder.Config{
		GatewayMAC:        mac,
		KeepaliveInterval: c.KeepaliveInterval.Duration,
		AckTimeout:        c.AckTimeout.Duration,
		MissThreshold:     c.MissThreshold,
		UplinkRetries:     c.UplinkRetries,
		SweepInterval:     c.SweepInterval.Duration,
		EventQueueSize:    c.EventQueueSize,
	}, nil
}

// APIConfig holds the configuration of the HTTP API.
type APIConfig struct {
	Bind        string `toml:"bind"`
	CallbackURL string `toml:"callback_url"`
	NATSURL     string `toml:"nats_url"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:           "0.0.0.0:1700",
			TXAckTimeout:   Duration{time.Second * 5},
			SessionTimeout: Duration{time.Minute},
			SweepInterval:  Duration{time.Millisecond * 100},
			EventQueueSize: 100,
		},
		Forwarder: ForwarderConfig{
			Server:            "127.0.0.1:1700",
			GatewayID:         "0000000000000000",
			KeepaliveInterval: Duration{time.Second * 10},
			AckTimeout:        Duration{time.Second},
			MissThreshold:     3,
			UplinkRetries:     2,
			SweepInterval:     Duration{time.Millisecond * 100},
			EventQueueSize:    10,
		},
		API: APIConfig{
			Bind: "0.0.0.0:8000",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration file at path on top of the default
// configuration. Unknown keys are an error.
func Load(path string) (Config, error) {
	c, _, err := load(path)
	return c, err
}

func load(path string) (Config, toml.MetaData, error) {
	c := Default()
	meta, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, meta, fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, meta, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return c, meta, nil
}

// Validate validates the configuration.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"server.tx_ack_timeout":        c.Server.TXAckTimeout.Duration,
		"server.session_timeout":       c.Server.SessionTimeout.Duration,
		"server.sweep_interval":        c.Server.SweepInterval.Duration,
		"forwarder.keepalive_interval": c.Forwarder.KeepaliveInterval.Duration,
		"forwarder.ack_timeout":        c.Forwarder.AckTimeout.Duration,
		"forwarder.sweep_interval":     c.Forwarder.SweepInterval.Duration,
	}
	keys := make([]string, 0, len(positive))
	for k := range positive {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if positive[k] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", k))
		}
	}

	if c.Server.EventQueueSize <= 0 {
		errs = append(errs, errors.New("server.event_queue_size must be > 0"))
	}
	if c.Forwarder.MissThreshold <= 0 {
		errs = append(errs, errors.New("forwarder.miss_threshold must be > 0"))
	}
	if c.Forwarder.UplinkRetries < 0 {
		errs = append(errs, errors.New("forwarder.uplink_retries must be >= 0"))
	}
	if c.Forwarder.EventQueueSize <= 0 {
		errs = append(errs, errors.New("forwarder.event_queue_size must be > 0"))
	}
	if _, err := c.Forwarder.Forwarder(); err != nil {
		errs = append(errs, err)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
