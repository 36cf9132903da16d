package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	d := Default()
	require.EqualValues(t, 10_000, d.Crypto.RekeyMsgLimit)
	require.Equal(t, time.Hour, d.Crypto.RekeyTimeLimit)
	require.Equal(t, 100, d.Fragment.MaxPendingPerSender)
	require.Equal(t, 10_000, d.Seen.MaxEntriesPerKind)
	require.Equal(t, 100, d.Codec.CompressThreshold)
	require.True(t, d.Codec.EnableCompression)
	require.Equal(t, 10*1024, d.Spam.MaxMessageSize)
	require.EqualValues(t, 3, d.PriorityTTL.Low)
	require.EqualValues(t, 5, d.PriorityTTL.Urgent)
	require.Equal(t, time.Second, d.Sync.MinInterval)
	require.Equal(t, 10_000, d.Queue.MaxSize)
	require.Len(t, d.RelayProbabilityTable, 5)
	require.EqualValues(t, 10, d.RelayProbabilityTable[0].NetworkSizeMax)
	require.Equal(t, 1.00, d.RelayProbabilityTable[0].Probability)
	require.Equal(t, 0.40, d.RelayProbabilityTable[len(d.RelayProbabilityTable)-1].Probability)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("spam:\n  spam_rate_per_sec: 42\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 42.0, cfg.Spam.RatePerSec)
	// Everything else should still carry the default.
	require.Equal(t, 10*1024, cfg.Spam.MaxMessageSize)
	require.EqualValues(t, 10_000, cfg.Crypto.RekeyMsgLimit)
}

func TestLoadDotEnvMissingFileIsNotAnError(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}
