package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/herdtrail/internal/domain"
	"github.com/roach88/herdtrail/internal/keys"
	"github.com/roach88/herdtrail/internal/verify"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "device-1", cfg.Device.ID)
	assert.Equal(t, keys.Ed25519, cfg.Device.Algorithm)
	assert.Equal(t, "herdtrail.db", cfg.StorePath)
	assert.Equal(t, 72*time.Hour, cfg.Transfer.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Transfer.SweepInterval)
	assert.Equal(t, verify.DefaultPolicy(), cfg.Verification)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 10, cfg.Sync.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Sync.Retry.InitialInterval)
	assert.Equal(t, 10*time.Minute, cfg.Sync.Retry.MaxInterval)
	assert.Equal(t, RemoteMemory, cfg.Remote.Kind)
	assert.False(t, cfg.KafkaEnabled())
	assert.Zero(t, cfg.Retention)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "herdtrail.cue"))
	require.NoError(t, err)

	assert.Equal(t, "phone-alice", cfg.Device.ID)
	assert.Equal(t, "alice", cfg.Device.OwnerID)
	assert.Equal(t, "/var/lib/herdtrail/alice.db", cfg.StorePath)
	assert.Equal(t, 48*time.Hour, cfg.Transfer.TTL)
	assert.Equal(t, domain.Score(6000), cfg.Verification.Threshold)
	assert.Equal(t, domain.Score(2000), cfg.Verification.HardFloor, "unset fields keep defaults")
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 8, cfg.Sync.Concurrency)
	assert.Equal(t, RemotePostgres, cfg.Remote.Kind)
	assert.Equal(t, "postgres://herdtrail@localhost:5432/herdtrail", cfg.Remote.DSN)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, "herdtrail.events", cfg.Kafka.Topic)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention)
}

func TestLoadMissingDefaultFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(dir, "elsewhere.cue"))
	assert.Error(t, err)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		src  string
		want string
	}{
		{"score out of range", `verification: threshold: 1.5`, "threshold"},
		{"bad duration", `transfer: ttl: "three days"`, "ttl"},
		{"unknown remote", `remote: kind: "mongo"`, "kind"},
		{"postgres without dsn", `remote: kind: "postgres"`, "dsn"},
		{"unknown field", `sync: workers: 3`, "workers"},
		{"unknown algorithm", `device: algorithm: "rsa"`, "algorithm"},
		{"backoff bounds", `sync: { initial_backoff: "1h", max_backoff: "1m" }`, "max_backoff"},
		{"syntax", `sync: {`, "herdtrail.cue"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.src), "herdtrail.cue")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
