package state

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"montana.dev/node/chain"
	"montana.dev/node/primitives"
)

const (
	diskVersion  = 1
	diskFileName = "state.json"
)

// Path returns the default on-disk state snapshot path under dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, diskFileName)
}

type diskSnapshot struct {
	Version  uint32            `json:"version"`
	Accounts []diskAccountEntry `json:"accounts"`
}

type diskAccountEntry struct {
	Address         string  `json:"address"`
	Balance         uint64  `json:"balance"`
	Nonce           uint64  `json:"nonce"`
	Score           float64 `json:"score"`
	HeartbeatCount  uint64  `json:"heartbeat_count"`
	PrivacyTier     uint8   `json:"privacy_tier"`
	LastHeartbeatMs uint64  `json:"last_heartbeat_ms"`
	PublicKey       string  `json:"public_key,omitempty"`
	LastHeartbeat   string  `json:"last_heartbeat_hash,omitempty"`
}

// Save writes the full state (accounts, cached public keys, per-node
// heartbeat chain tips) to path as JSON, matching the teacher's
// chainStateDisk shape: a version field, hex-encoded fixed-width fields,
// entries sorted for a deterministic file, written atomically via a
// temp-file-then-rename.
func (s *State) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := make([]primitives.Address, 0, len(s.accounts))
	for a := range s.accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })

	entries := make([]diskAccountEntry, 0, len(addrs))
	for _, a := range addrs {
		acct := s.accounts[a]
		entry := diskAccountEntry{
			Address:         hex.EncodeToString(a.Bytes()),
			Balance:         acct.Balance,
			Nonce:           acct.Nonce,
			Score:           acct.Score,
			HeartbeatCount:  acct.HeartbeatCount,
			PrivacyTier:     uint8(acct.PrivacyTier),
			LastHeartbeatMs: acct.LastHeartbeatMs,
		}
		if pk, ok := s.pubkeys[a]; ok {
			entry.PublicKey = hex.EncodeToString(pk)
		}
		if lh, ok := s.lastHeartbeat[a]; ok {
			entry.LastHeartbeat = hex.EncodeToString(lh.Bytes())
		}
		entries = append(entries, entry)
	}

	raw, err := json.MarshalIndent(diskSnapshot{Version: diskVersion, Accounts: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state snapshot: %w", err)
	}
	raw = append(raw, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return writeFileAtomic(path, raw, 0o600)
}

// Load reads a state snapshot previously written by Save. A missing file
// is not an error: it yields a fresh, empty state, matching the teacher's
// LoadChainState "not found means genesis" convention.
func Load(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}

	var disk diskSnapshot
	if err := json.Unmarshal(raw, &disk); err != nil {
		return nil, fmt.Errorf("decode state snapshot: %w", err)
	}
	if disk.Version != diskVersion {
		return nil, fmt.Errorf("unsupported state snapshot version: %d", disk.Version)
	}

	s := New()
	for _, e := range disk.Accounts {
		addrBytes, err := hex.DecodeString(e.Address)
		if err != nil || len(addrBytes) != primitives.AddressSize {
			return nil, fmt.Errorf("state snapshot: invalid address %q", e.Address)
		}
		var addr primitives.Address
		copy(addr[:], addrBytes)

		tier := chain.PrivacyTier(e.PrivacyTier)
		s.accounts[addr] = chain.Account{
			Balance:         e.Balance,
			Nonce:           e.Nonce,
			Score:           e.Score,
			HeartbeatCount:  e.HeartbeatCount,
			PrivacyTier:     tier,
			LastHeartbeatMs: e.LastHeartbeatMs,
		}
		if e.PublicKey != "" {
			pk, err := hex.DecodeString(e.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("state snapshot: invalid public key for %q", e.Address)
			}
			s.pubkeys[addr] = pk
		}
		if e.LastHeartbeat != "" {
			lhBytes, err := hex.DecodeString(e.LastHeartbeat)
			if err != nil || len(lhBytes) != primitives.HashSize {
				return nil, fmt.Errorf("state snapshot: invalid heartbeat hash for %q", e.Address)
			}
			var lh primitives.Hash
			copy(lh[:], lhBytes)
			s.lastHeartbeat[addr] = lh
		}
	}
	return s, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
