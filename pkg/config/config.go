// Package config loads engine configuration from environment variables
// (with optional .env file support), following the same
// load-defaults-then-override-from-env shape the teacher repo uses for its
// own params.Config (spec §6 "Environment / config (consumed, enumerated)").
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every genesis/runtime parameter the engine consumes.
type Config struct {
	// NumAssets is fixed at genesis and bounds every AssetID (spec §6).
	NumAssets uint16
	// TaxRate and SmoothMult control the tâtonnement step (spec §6, §4.11).
	TaxRate    uint8
	SmoothMult uint8
	// BlockSize is the target transaction count per block; the actual
	// block may be smaller (spec §6).
	BlockSize uint32
	// PersistenceFrequency is the number of rounds between phase-1 flushes
	// (spec §4.14, §6).
	PersistenceFrequency uint64
	// CheckSigs toggles Ed25519 signature verification; disabled only for
	// throughput experiments that supply already-trusted transactions.
	CheckSigs bool
	// NumAccountDBShards is the account database's shard count (spec §6
	// "NUM_ACCOUNT_DB_SHARDS, default 16").
	NumAccountDBShards int
	// NumWorkers bounds parallelism for the batch driver and trie hashing.
	NumWorkers int
	// SeqWindowSize is the per-account sequence reservation window (K in
	// spec §4.2); default matches pkg/seqtracker.
	SeqWindowSize int
	// TatonnementStepBudget bounds the number of gradient-descent steps per
	// round before falling back to best-so-far (spec §4.11).
	TatonnementStepBudget int
	// TatonnementLPPeriod is the number of steps between LP feasibility
	// probes (the "every K steps" of spec §4.11).
	TatonnementLPPeriod int
	// TatonnementTimeoutMillis is the wall-clock budget for price search
	// before the timeout monitor signals the oracle to stop (spec §4.11).
	TatonnementTimeoutMillis int64
	// PersistDataDir is the root directory for the Pebble-backed KVStore.
	PersistDataDir string
	// DiffLogEnabled turns on the debug hash/transfer event ring buffers
	// (spec §4.18); disabled by default since it is a pure overhead path.
	DiffLogEnabled bool
	// DiffLogCapacity bounds each ring buffer's retained event count.
	DiffLogCapacity int
}

// Default returns the engine's baseline configuration.
func Default() Config {
	return Config{
		NumAssets:                64,
		TaxRate:                  10,
		SmoothMult:               3,
		BlockSize:                10000,
		PersistenceFrequency:     20,
		CheckSigs:                true,
		NumAccountDBShards:       16,
		NumWorkers:               8,
		SeqWindowSize:            64,
		TatonnementStepBudget:    10000,
		TatonnementLPPeriod:      20,
		TatonnementTimeoutMillis: 1000,
		PersistDataDir:           "./data",
		DiffLogEnabled:           false,
		DiffLogCapacity:          4096,
	}
}

// LoadFromEnv loads configuration starting from Default, optionally reading
// envPath as a .env file first, then applying process environment variable
// overrides. Priority: ENV > .env file > defaults, matching the teacher's
// params.LoadFromEnv.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v, ok := getUint(64, "NUM_ASSETS"); ok {
		cfg.NumAssets = uint16(v)
	}
	if v, ok := getUint(8, "TAX_RATE"); ok {
		cfg.TaxRate = uint8(v)
	}
	if v, ok := getUint(8, "SMOOTH_MULT"); ok {
		cfg.SmoothMult = uint8(v)
	}
	if v, ok := getUint(32, "BLOCK_SIZE"); ok {
		cfg.BlockSize = uint32(v)
	}
	if v, ok := getUint(64, "PERSISTENCE_FREQUENCY"); ok {
		cfg.PersistenceFrequency = v
	}
	if s := os.Getenv("CHECK_SIGS"); s != "" {
		cfg.CheckSigs = s == "true" || s == "1"
	}
	if v, ok := getInt("NUM_ACCOUNT_DB_SHARDS"); ok {
		cfg.NumAccountDBShards = v
	}
	if v, ok := getInt("NUM_WORKERS"); ok {
		cfg.NumWorkers = v
	}
	if v, ok := getInt("SEQ_WINDOW_SIZE"); ok {
		cfg.SeqWindowSize = v
	}
	if v, ok := getInt("TATONNEMENT_STEP_BUDGET"); ok {
		cfg.TatonnementStepBudget = v
	}
	if v, ok := getInt("TATONNEMENT_LP_PERIOD"); ok {
		cfg.TatonnementLPPeriod = v
	}
	if v, ok := getUint(64, "TATONNEMENT_TIMEOUT_MS"); ok {
		cfg.TatonnementTimeoutMillis = int64(v)
	}
	if s := os.Getenv("PERSIST_DATA_DIR"); s != "" {
		cfg.PersistDataDir = s
	}
	if s := os.Getenv("DIFFLOG_ENABLED"); s != "" {
		cfg.DiffLogEnabled = s == "true" || s == "1"
	}
	if v, ok := getInt("DIFFLOG_CAPACITY"); ok {
		cfg.DiffLogCapacity = v
	}

	return cfg
}

func getUint(bits int, key string) (uint64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, false
	}
	return v, true
}

func getInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Validate checks the invariants genesis configuration must satisfy
// (spec §6: num_assets ≤ 256).
func (c Config) Validate() error {
	if c.NumAssets == 0 || int(c.NumAssets) > 256 {
		return fmt.Errorf("config: num_assets must be in (0, 256], got %d", c.NumAssets)
	}
	if c.NumAccountDBShards <= 0 {
		return fmt.Errorf("config: num_account_db_shards must be positive, got %d", c.NumAccountDBShards)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("config: num_workers must be positive, got %d", c.NumWorkers)
	}
	return nil
}
