// Package node assembles the protocol engine: block store, DAG, state
// machine, mempool, VDF engine and accumulator, sync manager, and p2p peer
// set, wired together under one supervised Run loop, plus the production
// loop that turns local eligibility into new blocks.
package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"montana.dev/node/vdf"
)

// Config is the full node configuration: the teacher's network/bind/peer
// fields plus the protocol-level constants spec.md §6 requires every
// network to fix. Generalized directly from node/config.go (teacher).
type Config struct {
	Network  string   `json:"network"`
	DataDir  string   `json:"data_dir"`
	BindAddr string   `json:"bind_addr"`
	LogLevel string   `json:"log_level"`
	Peers    []string `json:"peers"`
	MaxPeers int      `json:"max_peers"`

	// BlockTimeTargetSec is the target spacing between a node's own blocks,
	// informational only: production is actually gated by eligibility, not
	// a retarget loop.
	BlockTimeTargetSec uint64 `json:"block_time_target_sec"`
	// HeartbeatIntervalMs is the fixed wall-clock cadence on which a node
	// samples the VDF and emits a new heartbeat.
	HeartbeatIntervalMs uint64 `json:"heartbeat_interval_ms"`
	// VDFCheckpointInterval is the number of hash-chain iterations between
	// emitted VDF checkpoints.
	VDFCheckpointInterval uint64 `json:"vdf_checkpoint_interval"`
	// MaxBlocksPerRequest bounds how many blocks a sync peer is asked for
	// in one getdata batch.
	MaxBlocksPerRequest int `json:"max_blocks_per_request"`
	// IBDBatchSize bounds how many headers are requested per getheaders
	// round during initial block download.
	IBDBatchSize int `json:"ibd_batch_size"`
	// TWeak, TStrong, TFinal are the VDF accumulator's cumulative-iteration
	// finality thresholds, T_weak < T_strong < T_final.
	TWeak   uint64 `json:"t_weak"`
	TStrong uint64 `json:"t_strong"`
	TFinal  uint64 `json:"t_final"`
	// K is the PHANTOM anti-cone parameter bounding non-blue predecessors.
	K int `json:"k"`
	// MaxHeartbeatsPerBlock and MaxTxPerBlock cap block body size.
	MaxHeartbeatsPerBlock int `json:"max_heartbeats_per_block"`
	MaxTxPerBlock         int `json:"max_tx_per_block"`
	// BaseProbability scales a node's score into a per-round production
	// probability; see package eligibility.
	BaseProbability float64 `json:"base_probability"`
	// MinFee is the mempool's and block-assembly's minimum per-transaction fee.
	MinFee uint64 `json:"min_fee"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// DefaultDataDir mirrors the teacher's home-directory fallback.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".montana"
	}
	return filepath.Join(home, ".montana")
}

// DefaultConfig returns sane devnet defaults for every field, including the
// protocol constants spec.md §6 leaves for each network to fix.
func DefaultConfig() Config {
	return Config{
		Network:  "devnet",
		DataDir:  DefaultDataDir(),
		BindAddr: "0.0.0.0:29111",
		Peers:    nil,
		LogLevel: "info",
		MaxPeers: 64,

		BlockTimeTargetSec:    10,
		HeartbeatIntervalMs:   2000,
		VDFCheckpointInterval: vdf.DefaultConfig().CheckpointInterval,
		MaxBlocksPerRequest:   128,
		IBDBatchSize:          2000,
		TWeak:                 1 << 18,
		TStrong:               1 << 20,
		TFinal:                1 << 22,
		K:                     8,
		MaxHeartbeatsPerBlock: 512,
		MaxTxPerBlock:         4096,
		BaseProbability:       0.05,
		MinFee:                1,
	}
}

// VDFConfig derives the vdf.Config implied by this Config.
func (c Config) VDFConfig() vdf.Config {
	return vdf.Config{CheckpointInterval: c.VDFCheckpointInterval, ChannelBuffer: 8}
}

// Thresholds derives the vdf.Thresholds implied by this Config.
func (c Config) Thresholds() vdf.Thresholds {
	return vdf.Thresholds{Weak: c.TWeak, Strong: c.TStrong, Final: c.TFinal}
}

// HeartbeatInterval returns HeartbeatIntervalMs as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// NormalizePeers splits comma-separated tokens, trims whitespace, and
// dedups, preserving first-seen order. Identical to the teacher's helper.
func NormalizePeers(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, p := range strings.Split(token, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// ValidateConfig checks every field for a sane value, extending the
// teacher's checks with the protocol-constant invariants spec.md §6 and §4
// impose (threshold ordering, positive caps).
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Network) == "" {
		return errors.New("network is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr: %w", err)
	}
	for _, peer := range cfg.Peers {
		if err := validatePeerAddr(peer); err != nil {
			return fmt.Errorf("invalid peer %q: %w", peer, err)
		}
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.MaxPeers <= 0 {
		return errors.New("max_peers must be > 0")
	}
	if cfg.MaxPeers > 4096 {
		return errors.New("max_peers must be <= 4096")
	}
	if cfg.HeartbeatIntervalMs == 0 {
		return errors.New("heartbeat_interval_ms must be > 0")
	}
	if cfg.VDFCheckpointInterval == 0 {
		return errors.New("vdf_checkpoint_interval must be > 0")
	}
	if cfg.MaxBlocksPerRequest <= 0 {
		return errors.New("max_blocks_per_request must be > 0")
	}
	if cfg.IBDBatchSize <= 0 {
		return errors.New("ibd_batch_size must be > 0")
	}
	if !(cfg.TWeak < cfg.TStrong && cfg.TStrong < cfg.TFinal) {
		return errors.New("thresholds must satisfy t_weak < t_strong < t_final")
	}
	if cfg.K <= 0 {
		return errors.New("k must be > 0")
	}
	if cfg.MaxHeartbeatsPerBlock <= 0 {
		return errors.New("max_heartbeats_per_block must be > 0")
	}
	if cfg.MaxTxPerBlock <= 0 {
		return errors.New("max_tx_per_block must be > 0")
	}
	if cfg.BaseProbability <= 0 || cfg.BaseProbability > 1 {
		return errors.New("base_probability must be in (0, 1]")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

func validatePeerAddr(addr string) error {
	if err := validateAddr(addr); err != nil {
		return err
	}
	host, _, _ := net.SplitHostPort(addr)
	if strings.TrimSpace(host) == "" {
		return errors.New("missing host")
	}
	return nil
}
