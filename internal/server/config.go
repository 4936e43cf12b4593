package server

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/matst80/airfire/internal/httpx"
	"github.com/matst80/airfire/internal/proto"
	"github.com/matst80/airfire/internal/ratelimit"
)

// ControlMode selects how many control requests one connection may carry.
type ControlMode int

const (
	// ControlUntilClose handles requests until the peer closes the connection.
	ControlUntilClose ControlMode = iota
	// ControlOneShot handles a single request and then closes.
	ControlOneShot
)

func (m ControlMode) String() string {
	switch m {
	case ControlUntilClose:
		return "until-close"
	case ControlOneShot:
		return "one-shot"
	default:
		return fmt.Sprintf("ControlMode(%d)", int(m))
	}
}

// ParseControlMode accepts "until-close" (or "loop") and "one-shot".
func ParseControlMode(s string) (ControlMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "until-close", "loop":
		return ControlUntilClose, nil
	case "one-shot", "oneshot", "once":
		return ControlOneShot, nil
	default:
		return 0, fmt.Errorf("unknown control mode %q", s)
	}
}

// Config is fixed once the listener starts.
type Config struct {
	CustomAddr      string
	ControlAddr     string
	MaxFrameSize    uint32
	MaxHeaderSize   int
	ControlMode     ControlMode
	ServerInfo      ServerInfo
	PreemptTimeout  time.Duration
	CleanupInterval time.Duration
	Limiter         *ratelimit.RateLimiter
}

// DefaultConfig returns the receiver defaults: custom protocol on :5000,
// control protocol on :7000.
func DefaultConfig() Config {
	return Config{
		CustomAddr:      ":5000",
		ControlAddr:     ":7000",
		MaxFrameSize:    proto.DefaultMaxFrameSize,
		MaxHeaderSize:   httpx.DefaultMaxHeaderBytes,
		ControlMode:     ControlUntilClose,
		ServerInfo:      DefaultServerInfo(),
		PreemptTimeout:  2 * time.Second,
		CleanupInterval: time.Minute,
	}
}

// Validate checks addresses and limits.
func (c Config) Validate() error {
	_, customPort, err := net.SplitHostPort(c.CustomAddr)
	if err != nil {
		return fmt.Errorf("custom address %q: %w", c.CustomAddr, err)
	}
	_, controlPort, err := net.SplitHostPort(c.ControlAddr)
	if err != nil {
		return fmt.Errorf("control address %q: %w", c.ControlAddr, err)
	}
	if customPort == controlPort && customPort != "0" {
		return fmt.Errorf("custom and control protocols share port %s", customPort)
	}
	if c.ControlMode != ControlUntilClose && c.ControlMode != ControlOneShot {
		return fmt.Errorf("invalid control mode %v", c.ControlMode)
	}
	if c.PreemptTimeout < 0 {
		return errors.New("preempt timeout must not be negative")
	}
	if c.MaxHeaderSize < 0 {
		return errors.New("max header size must not be negative")
	}
	return nil
}
