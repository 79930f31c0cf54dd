// Package config loads herdtrail settings from a CUE file.
//
// The file is unified with an embedded schema (schema.cue) that supplies
// every default and constraint, so a missing or empty file yields a
// working configuration and an invalid one fails with the CUE position of
// the offending value.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/events/kafka"
	"github.com/roach88/herdtrail/internal/keys"
	"github.com/roach88/herdtrail/internal/syncq"
	"github.com/roach88/herdtrail/internal/verify"
)

//go:embed schema.cue
var schemaSource []byte

// DefaultFile is the config file looked up when none is given.
const DefaultFile = "herdtrail.cue"

// Remote store kinds.
const (
	RemoteMemory   = "memory"
	RemotePostgres = "postgres"
)

// Config is the resolved configuration.
type Config struct {
	Device       Device
	StorePath    string
	Transfer     Transfer
	Verification verify.Policy
	Sync         Sync
	Remote       Remote
	Kafka        kafka.Config

	// Retention is how long change log entries are kept; 0 keeps them
	// forever.
	Retention time.Duration

	LogLevel slog.Level
}

// Device identifies this installation and the owner it signs for.
type Device struct {
	ID        string
	OwnerID   string
	Algorithm keys.Algorithm
}

// Transfer holds state machine timing.
type Transfer struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// Sync configures the reconciler.
type Sync struct {
	Interval      time.Duration
	BatchSize     int
	Concurrency   int
	RatePerSecond float64
	Burst         int
	CallTimeout   time.Duration
	CacheTTL      time.Duration
	Retry         syncq.Policy
}

// Remote selects the remote store.
type Remote struct {
	Kind     string
	DSN      string
	MaxConns int32
}

// file mirrors #Config for decoding.
type file struct {
	Device struct {
		ID        string `json:"id"`
		Owner     string `json:"owner"`
		Algorithm string `json:"algorithm"`
	} `json:"device"`
	Store struct {
		Path string `json:"path"`
	} `json:"store"`
	Transfer struct {
		TTL           string `json:"ttl"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"transfer"`
	Verification struct {
		Threshold              float64 `json:"threshold"`
		HardFloor              float64 `json:"hard_floor"`
		MaxDelta               float64 `json:"max_delta"`
		RequireProofWhenPriced bool    `json:"require_proof_when_priced"`
	} `json:"verification"`
	Sync struct {
		Interval       string  `json:"interval"`
		BatchSize      int     `json:"batch_size"`
		Concurrency    int     `json:"concurrency"`
		RatePerSecond  float64 `json:"rate_per_second"`
		Burst          int     `json:"burst"`
		CallTimeout    string  `json:"call_timeout"`
		CacheTTL       string  `json:"cache_ttl"`
		MaxAttempts    int     `json:"max_attempts"`
		InitialBackoff string  `json:"initial_backoff"`
		MaxBackoff     string  `json:"max_backoff"`
	} `json:"sync"`
	Remote struct {
		Kind     string `json:"kind"`
		DSN      string `json:"dsn"`
		MaxConns int32  `json:"max_conns"`
	} `json:"remote"`
	Events struct {
		Kafka struct {
			Brokers  []string `json:"brokers"`
			Topic    string   `json:"topic"`
			ClientID string   `json:"client_id"`
		} `json:"kafka"`
	} `json:"events"`
	Changelog struct {
		Retention string `json:"retention"`
	} `json:"changelog"`
	Log struct {
		Level string `json:"level"`
	} `json:"log"`
}

// Load reads path. A path that does not exist is an error unless it is
// DefaultFile, in which case the defaults are returned.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && path == DefaultFile {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path)
}

// Default returns the schema defaults.
func Default() Config {
	cfg, err := Parse(nil, "")
	if err != nil {
		panic(fmt.Sprintf("config schema defaults: %v", err))
	}
	return cfg
}

// Parse unifies CUE source with the schema and resolves it. filename is
// used in error positions.
func Parse(src []byte, filename string) (Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def
	if len(src) > 0 {
		user := ctx.CompileBytes(src, cue.Filename(filename))
		if err := user.Err(); err != nil {
			return Config{}, fmt.Errorf("parse %s: %s", filename, details(err))
		}
		v = def.Unify(user)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %s", filename, details(err))
	}

	var f file
	if err := v.Decode(&f); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return f.resolve()
}

func details(err error) string {
	return cueerrors.Details(err, nil)
}

func (f file) resolve() (Config, error) {
	var errs []error
	dur := func(name, s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		return d
	}

	alg, err := keys.ParseAlgorithm(f.Device.Algorithm)
	if err != nil {
		errs = append(errs, err)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	cfg := Config{
		Device: Device{
			ID:        f.Device.ID,
			OwnerID:   f.Device.Owner,
			Algorithm: alg,
		},
		StorePath: f.Store.Path,
		Transfer: Transfer{
			TTL:           dur("transfer.ttl", f.Transfer.TTL),
			SweepInterval: dur("transfer.sweep_interval", f.Transfer.SweepInterval),
		},
		Verification: verify.Policy{
			Threshold:              domain.ScoreFromFloat(f.Verification.Threshold),
			HardFloor:              domain.ScoreFromFloat(f.Verification.HardFloor),
			MaxDelta:               domain.ScoreFromFloat(f.Verification.MaxDelta),
			RequireProofWhenPriced: f.Verification.RequireProofWhenPriced,
		},
		Sync: Sync{
			Interval:      dur("sync.interval", f.Sync.Interval),
			BatchSize:     f.Sync.BatchSize,
			Concurrency:   f.Sync.Concurrency,
			RatePerSecond: f.Sync.RatePerSecond,
			Burst:         f.Sync.Burst,
			CallTimeout:   dur("sync.call_timeout", f.Sync.CallTimeout),
			CacheTTL:      dur("sync.cache_ttl", f.Sync.CacheTTL),
			Retry: syncq.Policy{
				MaxAttempts:         f.Sync.MaxAttempts,
				InitialInterval:     dur("sync.initial_backoff", f.Sync.InitialBackoff),
				MaxInterval:         dur("sync.max_backoff", f.Sync.MaxBackoff),
				Multiplier:          syncq.DefaultPolicy().Multiplier,
				RandomizationFactor: syncq.DefaultPolicy().RandomizationFactor,
			},
		},
		Remote: Remote{
			Kind:     f.Remote.Kind,
			DSN:      f.Remote.DSN,
			MaxConns: f.Remote.MaxConns,
		},
		Kafka: kafka.Config{
			Brokers:  f.Events.Kafka.Brokers,
			Topic:    f.Events.Kafka.Topic,
			ClientID: f.Events.Kafka.ClientID,
		},
		Retention: dur("changelog.retention", f.Changelog.Retention),
		LogLevel:  level,
	}
	if err := cfg.Verification.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Sync.Retry.MaxInterval < cfg.Sync.Retry.InitialInterval {
		errs = append(errs, fmt.Errorf("sync.max_backoff %s is below sync.initial_backoff %s",
			cfg.Sync.Retry.MaxInterval, cfg.Sync.Retry.InitialInterval))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// KafkaEnabled reports whether events are forwarded to Kafka.
func (c Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}
