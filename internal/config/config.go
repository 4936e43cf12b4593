// Package config loads receiver settings from defaults, an optional TOML file
// and command line flags, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matst80/airfire/internal/httpx"
	"github.com/matst80/airfire/internal/obs"
	"github.com/matst80/airfire/internal/proto"
	"github.com/matst80/airfire/internal/ratelimit"
	"github.com/matst80/airfire/internal/server"
)

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// RateLimitConfig values are per second; zero disables a limit.
type RateLimitConfig struct {
	ConnPerPeer     int           `toml:"conn_per_peer"`
	ReqPerPeer      int           `toml:"req_per_peer"`
	GlobalConn      int           `toml:"global_conn"`
	GlobalReq       int           `toml:"global_req"`
	Burst           int           `toml:"burst"`
	CleanupInterval time.Duration `toml:"cleanup_interval"`
}

func (r RateLimitConfig) enabled() bool {
	return r.ConnPerPeer > 0 || r.ReqPerPeer > 0 || r.GlobalConn > 0 || r.GlobalReq > 0
}

// Config holds all receiver runtime configuration.
type Config struct {
	CustomAddr     string        `toml:"custom_addr"`
	ControlAddr    string        `toml:"control_addr"`
	ControlMode    string        `toml:"control_mode"`
	MaxFrameSize   uint          `toml:"max_frame_size"`
	MaxHeaderSize  int           `toml:"max_header_size"`
	PreemptTimeout time.Duration `toml:"preempt_timeout"`
	MetricsAddr    string        `toml:"metrics_addr"`
	LogLevel       string        `toml:"log_level"`
	Debug          bool          `toml:"debug"`
	// DeviceID is a MAC style id, "auto" to derive one from the local IPv4
	// address, or empty for the fixed default.
	DeviceID     string `toml:"device_id"`
	RecordPath   string `toml:"record_path"`
	RecordAnnexB bool   `toml:"record_annexb"`
	EventQueue   int    `toml:"event_queue"`
	RelayQueue   int    `toml:"relay_queue"`

	Redis     RedisConfig     `toml:"redis"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
}

func Default() Config {
	return Config{
		CustomAddr:     ":5000",
		ControlAddr:    ":7000",
		ControlMode:    server.ControlUntilClose.String(),
		MaxFrameSize:   uint(proto.DefaultMaxFrameSize),
		MaxHeaderSize:  httpx.DefaultMaxHeaderBytes,
		PreemptTimeout: 2 * time.Second,
		MetricsAddr:    ":9100",
		LogLevel:       "info",
		DeviceID:       "auto",
		RecordAnnexB:   true,
		EventQueue:     256,
		RelayQueue:     64,
		RateLimit: RateLimitConfig{
			Burst:           5,
			CleanupInterval: time.Minute,
		},
	}
}

// RegisterFlags binds c to fs, using the current values of c as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.CustomAddr, "custom", c.CustomAddr, "listen address for the length-prefixed custom protocol")
	fs.StringVar(&c.ControlAddr, "control", c.ControlAddr, "listen address for the HTTP style control protocol")
	fs.StringVar(&c.ControlMode, "control-mode", c.ControlMode, "control connection mode: until-close or one-shot")
	fs.UintVar(&c.MaxFrameSize, "max-frame-size", c.MaxFrameSize, "largest accepted access unit or /play body in bytes")
	fs.IntVar(&c.MaxHeaderSize, "max-header-size", c.MaxHeaderSize, "maximum control request header bytes")
	fs.DurationVar(&c.PreemptTimeout, "preempt-timeout", c.PreemptTimeout, "how long a new session waits for the preempted one to exit")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "metrics, health and dashboard listen address (empty disables)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: trace, debug, info, warn, error, off")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")
	fs.StringVar(&c.DeviceID, "device-id", c.DeviceID, `device id advertised by /server-info ("auto" derives it from the local IP)`)
	fs.StringVar(&c.RecordPath, "record", c.RecordPath, "append received access units to this file")
	fs.BoolVar(&c.RecordAnnexB, "record-annexb", c.RecordAnnexB, "rewrite AVCC units with start codes when recording")
	fs.IntVar(&c.EventQueue, "event-queue", c.EventQueue, "status event queue depth")
	fs.IntVar(&c.RelayQueue, "relay-queue", c.RelayQueue, "per-viewer websocket relay queue depth")
	fs.StringVar(&c.Redis.Addr, "redis", c.Redis.Addr, "redis address for shared session state (empty uses memory)")
	fs.StringVar(&c.Redis.Password, "redis-password", c.Redis.Password, "redis password")
	fs.IntVar(&c.Redis.DB, "redis-db", c.Redis.DB, "redis database")
	fs.IntVar(&c.RateLimit.ConnPerPeer, "conn-rate", c.RateLimit.ConnPerPeer, "connections per second per peer IP (0 disables)")
	fs.IntVar(&c.RateLimit.ReqPerPeer, "req-rate", c.RateLimit.ReqPerPeer, "control requests per second per peer IP (0 disables)")
	fs.IntVar(&c.RateLimit.GlobalConn, "global-conn-rate", c.RateLimit.GlobalConn, "connections per second across all peers (0 disables)")
	fs.IntVar(&c.RateLimit.GlobalReq, "global-req-rate", c.RateLimit.GlobalReq, "control requests per second across all peers (0 disables)")
	fs.IntVar(&c.RateLimit.Burst, "rate-burst", c.RateLimit.Burst, "token bucket burst size")
	fs.DurationVar(&c.RateLimit.CleanupInterval, "rate-cleanup-interval", c.RateLimit.CleanupInterval, "interval for sweeping idle per-peer limiters")
}

// Load overlays the keys defined in the TOML file at path onto c. Unknown
// keys are an error.
func Load(path string, c *Config) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Resolve builds the effective configuration: defaults, then the TOML file
// at path when path is not empty, then every flag explicitly set on fs.
func Resolve(fs *flag.FlagSet, path string) (Config, error) {
	c := Default()
	if path != "" {
		if err := Load(path, &c); err != nil {
			return Config{}, err
		}
	}
	overlay := flag.NewFlagSet("overlay", flag.ContinueOnError)
	c.RegisterFlags(overlay)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if overlay.Lookup(f.Name) == nil || setErr != nil {
			return
		}
		if err := overlay.Set(f.Name, f.Value.String()); err != nil {
			setErr = fmt.Errorf("flag -%s: %w", f.Name, err)
		}
	})
	if setErr != nil {
		return Config{}, setErr
	}
	return c, c.Validate()
}

// Validate rejects settings the receiver cannot run with.
func (c Config) Validate() error {
	if c.MaxFrameSize == 0 || c.MaxFrameSize > math.MaxUint32 {
		return fmt.Errorf("max frame size %d out of range", c.MaxFrameSize)
	}
	if c.MaxHeaderSize <= 0 {
		return errors.New("max header size must be positive")
	}
	if c.EventQueue < 0 || c.RelayQueue < 0 {
		return errors.New("queue sizes must not be negative")
	}
	rl := c.RateLimit
	if rl.ConnPerPeer < 0 || rl.ReqPerPeer < 0 || rl.GlobalConn < 0 || rl.GlobalReq < 0 || rl.Burst < 0 {
		return errors.New("rate limits must not be negative")
	}
	if _, ok := obs.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.DeviceID {
	case "", "auto":
	default:
		if _, err := net.ParseMAC(c.DeviceID); err != nil {
			return fmt.Errorf("device id %q: %w", c.DeviceID, err)
		}
	}
	sc, err := c.Server()
	if err != nil {
		return err
	}
	return sc.Validate()
}

// Server converts c into the listener configuration.
func (c Config) Server() (server.Config, error) {
	mode, err := server.ParseControlMode(c.ControlMode)
	if err != nil {
		return server.Config{}, err
	}
	sc := server.DefaultConfig()
	sc.CustomAddr = c.CustomAddr
	sc.ControlAddr = c.ControlAddr
	sc.ControlMode = mode
	sc.MaxFrameSize = uint32(c.MaxFrameSize)
	sc.MaxHeaderSize = c.MaxHeaderSize
	sc.PreemptTimeout = c.PreemptTimeout
	sc.CleanupInterval = c.RateLimit.CleanupInterval

	switch c.DeviceID {
	case "":
	case "auto":
		sc.ServerInfo.DeviceID = server.DeviceIDFromIP(server.LocalIPv4())
	default:
		sc.ServerInfo.DeviceID = strings.ToUpper(c.DeviceID)
	}
	if rl := c.RateLimit; rl.enabled() {
		sc.Limiter = ratelimit.NewRateLimiter(rl.GlobalConn, rl.ConnPerPeer, rl.GlobalReq, rl.ReqPerPeer, rl.Burst)
	}
	return sc, nil
}
