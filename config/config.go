package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

// ByteSize is an uint64 that accepts human readable values like "4MB" in
// TOML files.
type ByteSize uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.WithStack(err)
	}
	*b = ByteSize(v)
	return nil
}

// Duration is a time.Duration that accepts values like "10s" in TOML files.
type Duration struct {
	time.Duration
}

// NewDuration creates a Duration from time.Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

// Config holds everything a tinystm process reads at startup.
type Config struct {
	StatusAddr string `toml:"status-addr"` // Metrics and pprof listener, empty disables it.
	DataDir    string `toml:"data-dir"`    // Directory snapshots are written to. Should exist and be writable.
	MaxProcs   int    `toml:"max-procs"`   // Max CPU cores to use, set 0 to use all CPU cores in the machine.

	// Log related config.
	Log log.Config `toml:"log"`

	Controller Controller `toml:"controller"` // Transaction pacing options.
	Heap       Heap       `toml:"heap"`       // Heap engine options.

	logger   *zap.Logger
	logProps *log.ZapProperties
}

// Controller configures the transactional execution layer.
type Controller struct {
	// TransactionLengthFraction scales the default transaction length.
	// 1.0 keeps the default, negative means no limit at all.
	TransactionLengthFraction float64 `toml:"transaction-length-fraction"`
}

// Heap configures the versioned heap engine.
type Heap struct {
	NurseryCapacity     ByteSize `toml:"nursery-capacity"`       // Young-object budget per thread.
	StripeCount         int      `toml:"stripe-count"`           // Number of commit lock stripes.
	PressureInterval    Duration `toml:"pressure-interval"`      // Host memory sampling period, zero disables.
	PressureThreshold   float64  `toml:"pressure-threshold"`     // Used-memory percent that triggers commit-soon.
	SnapshotBytesPerSec ByteSize `toml:"snapshot-bytes-per-sec"` // Snapshot write throttle, zero means unpaced.
}

// DefaultConf is the configuration used when no file is given.
var DefaultConf = Config{
	StatusAddr: "127.0.0.1:9181",
	DataDir:    "/tmp/tinystm",
	MaxProcs:   0,
	Log:        log.Config{Level: "info"},
	Controller: Controller{
		TransactionLengthFraction: 1.0,
	},
	Heap: Heap{
		NurseryCapacity:     ByteSize(4 * MB),
		StripeCount:         64,
		PressureInterval:    NewDuration(10 * time.Second),
		PressureThreshold:   90.0,
		SnapshotBytesPerSec: ByteSize(32 * MB),
	},
}

// FromFile starts from DefaultConf and overrides it with the TOML file at
// path. An empty path returns the defaults unchanged.
func FromFile(path string) (*Config, error) {
	conf := DefaultConf
	if path != "" {
		if _, err := toml.DecodeFile(path, &conf); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate is used to validate if some configurations are right.
func (c *Config) Validate() error {
	if c.Heap.NurseryCapacity == 0 {
		return errors.New("nursery-capacity must be positive")
	}
	if c.Heap.StripeCount <= 0 {
		return errors.Errorf("stripe-count must be positive, got %d", c.Heap.StripeCount)
	}
	if c.Heap.PressureThreshold <= 0 || c.Heap.PressureThreshold > 100 {
		return errors.Errorf("pressure-threshold must be within (0, 100], got %v", c.Heap.PressureThreshold)
	}
	if c.Heap.PressureInterval.Duration < 0 {
		return errors.Errorf("pressure-interval must not be negative, got %v", c.Heap.PressureInterval.Duration)
	}
	return nil
}

// SetupLogger builds the zap logger from the [log] section.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// GetZapLogProperties gets properties of the zap logger.
func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}
