// Package config declares the configuration surface spec.md §6 names for
// the core, loaded from YAML; LoadDotEnv separately loads a .env file
// into the process environment for local/dev runs, and no environment
// value is read back into Config — mirroring the teacher's manager.Config (load-from-disk,
// defaults-when-absent) generalized from WireGuard's JSON peer/system
// config to this module's component tunables.
package config

import (
	"math"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Crypto bounds C2's rekey policy.
type Crypto struct {
	RekeyMsgLimit  uint64        `yaml:"rekey_msg_limit"`
	RekeyTimeLimit time.Duration `yaml:"rekey_time_limit"`
}

// Fragment bounds C4's reassembler.
type Fragment struct {
	ReassemblyTimeout   time.Duration `yaml:"reassembly_timeout"`
	MaxPendingPerSender int           `yaml:"max_pending_per_sender"`
}

// Seen bounds C6's tracker.
type Seen struct {
	MaxEntriesPerKind int           `yaml:"seen_max_entries_per_kind"`
	CacheTTL          time.Duration `yaml:"seen_cache_ttl"`
}

// Codec bounds C5's compression policy.
type Codec struct {
	CompressThreshold int  `yaml:"compress_threshold"`
	EnableCompression bool `yaml:"enable_compression"`
}

// Spam bounds C7's checker.
type Spam struct {
	MaxMessageSize  int           `yaml:"spam_max_size"`
	RatePerSec      float64       `yaml:"spam_rate_per_sec"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
}

// PriorityTTL is C9's priority→TTL map (spec.md §3/§6).
type PriorityTTL struct {
	Low    uint8 `yaml:"low"`
	Normal uint8 `yaml:"normal"`
	High   uint8 `yaml:"high"`
	Urgent uint8 `yaml:"urgent"`
}

// RelayProbabilityStep is one row of the relay_probability_table (spec.md
// §4.9/§6): nodes in networks of size up to NetworkSizeMax relay with
// Probability. The table must be sorted ascending by NetworkSizeMax; the
// last row is the catch-all for any network larger than every prior row.
type RelayProbabilityStep struct {
	NetworkSizeMax uint32  `yaml:"network_size_max"`
	Probability    float64 `yaml:"probability"`
}

// Queue bounds C8's offline message queue.
type Queue struct {
	// MaxSize is the hard cap on live (non-delivered, non-tombstoned)
	// queue entries enforced by Enqueue for everything but urgent
	// priority (spec.md §5's "hard size caps with backpressure"). §6
	// doesn't name an explicit default for this knob, so it's set to
	// match the order of magnitude of the other "max entries" caps
	// (seen_max_entries_per_kind); see DESIGN.md.
	MaxSize int `yaml:"max_size"`
}

// Sync bounds C11's reconciliation manager.
type Sync struct {
	MinInterval     time.Duration `yaml:"sync_min_interval"`
	InFlightTimeout time.Duration `yaml:"sync_in_flight_timeout"`
}

// Handshake bounds C12's key-wait contract.
type Handshake struct {
	KeyWaitBudget time.Duration `yaml:"handshake_key_wait_budget"`
}

// Config is the full configuration surface spec.md §6 enumerates.
type Config struct {
	Crypto                Crypto                 `yaml:"crypto"`
	Fragment              Fragment               `yaml:"fragment"`
	Seen                  Seen                   `yaml:"seen"`
	Codec                 Codec                  `yaml:"codec"`
	Spam                  Spam                   `yaml:"spam"`
	PriorityTTL           PriorityTTL            `yaml:"priority_ttl_map"`
	RelayProbabilityTable []RelayProbabilityStep `yaml:"relay_probability_table"`
	Queue                 Queue                  `yaml:"queue"`
	Sync                  Sync                   `yaml:"sync"`
	Handshake             Handshake              `yaml:"handshake"`
}

// Default returns every spec.md §6 default.
func Default() Config {
	return Config{
		Crypto: Crypto{
			RekeyMsgLimit:  10_000,
			RekeyTimeLimit: time.Hour,
		},
		Fragment: Fragment{
			ReassemblyTimeout:   30 * time.Second,
			MaxPendingPerSender: 100,
		},
		Seen: Seen{
			MaxEntriesPerKind: 10_000,
			CacheTTL:          5 * time.Minute,
		},
		Codec: Codec{
			CompressThreshold: 100,
			EnableCompression: true,
		},
		Spam: Spam{
			MaxMessageSize:  10 * 1024,
			RatePerSec:      10,
			DuplicateWindow: time.Minute,
		},
		PriorityTTL: PriorityTTL{Low: 3, Normal: 4, High: 5, Urgent: 5},
		RelayProbabilityTable: []RelayProbabilityStep{
			{NetworkSizeMax: 10, Probability: 1.00},
			{NetworkSizeMax: 30, Probability: 0.85},
			{NetworkSizeMax: 50, Probability: 0.70},
			{NetworkSizeMax: 100, Probability: 0.55},
			{NetworkSizeMax: math.MaxUint32, Probability: 0.40},
		},
		Queue: Queue{MaxSize: 10_000},
		Sync: Sync{
			MinInterval:     time.Second,
			InFlightTimeout: 10 * time.Second,
		},
		Handshake: Handshake{KeyWaitBudget: 3 * time.Second},
	}
}

// Load reads a YAML config file at path, starting from Default() so any
// field the file omits keeps the spec default rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads path (typically ".env") into the process environment
// for local/dev runs. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}
