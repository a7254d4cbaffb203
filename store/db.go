// Package store implements the content-addressed block archive: a
// bbolt-backed map from block hash to block bytes, plus height and
// parent/child indices, a small in-memory LRU front cache, and the
// best-block-hash / manifest markers persisted alongside it. It is the
// single source of truth for block persistence; every other component
// (the DAG, the state machine) holds only hashes, per spec.md §3's
// ownership rule and §9's cycle-breaking note: the DAG is a derived view
// rebuilt from this store on startup.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"

	"montana.dev/node/chain"
	"montana.dev/node/primitives"
)

var (
	bucketBlocks      = []byte("blocks_by_hash")
	bucketHeightIndex = []byte("height_index")
	bucketParentChild = []byte("parent_child_index")
	bucketManifest    = []byte("manifest")
)

var (
	keyProtocolVersion = []byte("protocol_version")
	keyBestBlockHash   = []byte("best_block_hash")
	keyMaxHeight       = []byte("max_height")
	prefixAccumulator  = []byte("vdf_acc/")
)

// AccumulatorEntry is the persisted shape of one VDF accumulator record,
// matching spec.md §6's "VDF accumulator snapshot (map from block hash to
// (iterations, finality))" persisted-state requirement. The store stays
// ignorant of the vdf package's Finality type to avoid an import cycle; it
// persists the raw byte, and the caller (node assembly) translates.
type AccumulatorEntry struct {
	Iterations uint64
	Finality   uint8
}

// DB is the block store. Grounded on node/store/db.go (teacher): bbolt,
// one bucket per concern, generalized from UTXO/undo buckets to this
// spec's block/height/parent-child/manifest shape.
type DB struct {
	bdb   *bolt.DB
	cache *lru.Cache[primitives.Hash, *chain.Block]
}

// Open opens (creating if absent) a bbolt-backed block store at path, with
// an LRU front cache holding up to cacheSize recently touched blocks.
func Open(path string, cacheSize int) (*DB, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	bdb, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlocks, bucketHeightIndex, bucketParentChild, bucketManifest} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	cache, err := lru.New[primitives.Hash, *chain.Block](cacheSize)
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return &DB{bdb: bdb, cache: cache}, nil
}

// Close flushes and closes the underlying database.
func (d *DB) Close() error {
	if d == nil || d.bdb == nil {
		return nil
	}
	return d.bdb.Close()
}

// Add stores b if its hash is not already present, updating the height and
// parent/child indices and the max-height marker in the same bbolt
// transaction. It returns false (not an error) if the block was already
// present, per spec.md §4.8's idempotence requirement.
func (d *DB) Add(b *chain.Block) (bool, error) {
	if d == nil {
		return false, errors.New("store: nil db")
	}
	hash := b.Hash()
	blockBytes := b.Encode()

	var inserted bool
	err := d.bdb.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		if blocks.Get(hash[:]) != nil {
			return nil
		}
		inserted = true
		if err := blocks.Put(hash[:], blockBytes); err != nil {
			return err
		}

		heightBucket := tx.Bucket(bucketHeightIndex)
		heightKey := heightKeyBytes(b.Header.Height)
		existing := heightBucket.Get(heightKey)
		if err := heightBucket.Put(heightKey, appendHashUnique(existing, hash)); err != nil {
			return err
		}

		pcBucket := tx.Bucket(bucketParentChild)
		for _, p := range b.Header.Parents {
			existing := pcBucket.Get(p[:])
			if err := pcBucket.Put(p[:], appendHashUnique(existing, hash)); err != nil {
				return err
			}
		}

		manifest := tx.Bucket(bucketManifest)
		cur := readU64(manifest.Get(keyMaxHeight))
		if b.Header.Height > cur || manifest.Get(keyMaxHeight) == nil {
			if err := manifest.Put(keyMaxHeight, u64Bytes(b.Header.Height)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if inserted {
		d.cache.Add(hash, b)
	}
	return inserted, nil
}

// Get returns the block named by hash, if present.
func (d *DB) Get(hash primitives.Hash) (*chain.Block, bool, error) {
	if d == nil {
		return nil, false, errors.New("store: nil db")
	}
	if b, ok := d.cache.Get(hash); ok {
		return b, true, nil
	}
	var raw []byte
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(hash[:])
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	b, err := chain.DecodeBlock(raw)
	if err != nil {
		return nil, false, fmt.Errorf("store: decode stored block: %w", err)
	}
	d.cache.Add(hash, b)
	return b, true, nil
}

// GetHeader returns the header of the block named by hash, if present.
func (d *DB) GetHeader(hash primitives.Hash) (*chain.Header, bool, error) {
	b, ok, err := d.Get(hash)
	if err != nil || !ok {
		return nil, ok, err
	}
	return b.Header, true, nil
}

// AtHeight returns every known block hash at the given height, sorted for
// deterministic iteration.
func (d *DB) AtHeight(height uint64) ([]primitives.Hash, error) {
	if d == nil {
		return nil, errors.New("store: nil db")
	}
	var out []primitives.Hash
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeightIndex).Get(heightKeyBytes(height))
		out = decodeHashList(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// Children returns the known children of parent.
func (d *DB) Children(parent primitives.Hash) ([]primitives.Hash, error) {
	if d == nil {
		return nil, errors.New("store: nil db")
	}
	var out []primitives.Hash
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketParentChild).Get(parent[:])
		out = decodeHashList(v)
		return nil
	})
	return out, err
}

// Height returns the maximum height across every stored block, or 0 if the
// store is empty.
func (d *DB) Height() (uint64, error) {
	if d == nil {
		return 0, errors.New("store: nil db")
	}
	var h uint64
	err := d.bdb.View(func(tx *bolt.Tx) error {
		h = readU64(tx.Bucket(bucketManifest).Get(keyMaxHeight))
		return nil
	})
	return h, err
}

// GetTip returns the hash held by the best-block-hash marker.
func (d *DB) GetTip() (primitives.Hash, bool, error) {
	hash, ok, err := d.BestBlockHash()
	if err != nil || !ok {
		return primitives.Hash{}, ok, err
	}
	return hash, true, nil
}

// BestBlockHash returns the persisted best-block-hash marker, written
// atomically after each successful state apply (spec.md §6's "Persisted
// state layout").
func (d *DB) BestBlockHash() (primitives.Hash, bool, error) {
	if d == nil {
		return primitives.Hash{}, false, errors.New("store: nil db")
	}
	var out primitives.Hash
	var ok bool
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketManifest).Get(keyBestBlockHash)
		if len(v) == primitives.HashSize {
			copy(out[:], v)
			ok = true
		}
		return nil
	})
	return out, ok, err
}

// SetBestBlockHash atomically updates the best-block-hash marker. Callers
// (the state-apply path) are expected to call this in the same logical
// step as applying a block, so that on restart the state machine's view
// and the block store's tip agree.
func (d *DB) SetBestBlockHash(hash primitives.Hash) error {
	if d == nil {
		return errors.New("store: nil db")
	}
	return d.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifest).Put(keyBestBlockHash, hash.Bytes())
	})
}

// ProtocolVersion returns the persisted protocol version, or 0 if never set.
func (d *DB) ProtocolVersion() (uint32, error) {
	if d == nil {
		return 0, errors.New("store: nil db")
	}
	var v uint32
	err := d.bdb.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifest).Get(keyProtocolVersion)
		if len(b) == 4 {
			v = binary.BigEndian.Uint32(b)
		}
		return nil
	})
	return v, err
}

// SetProtocolVersion persists the protocol version.
func (d *DB) SetProtocolVersion(v uint32) error {
	if d == nil {
		return errors.New("store: nil db")
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return d.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifest).Put(keyProtocolVersion, b[:])
	})
}

// SaveAccumulatorSnapshot persists the full VDF accumulator state so it can
// be restored on restart without re-observing every checkpoint.
func (d *DB) SaveAccumulatorSnapshot(snapshot map[primitives.Hash]AccumulatorEntry) error {
	if d == nil {
		return errors.New("store: nil db")
	}
	return d.bdb.Update(func(tx *bolt.Tx) error {
		manifest := tx.Bucket(bucketManifest)
		c := manifest.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefixAccumulator); k != nil && hasPrefix(k, prefixAccumulator); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := manifest.Delete(k); err != nil {
				return err
			}
		}
		for hash, e := range snapshot {
			key := append(append([]byte(nil), prefixAccumulator...), hash[:]...)
			var val [9]byte
			binary.BigEndian.PutUint64(val[:8], e.Iterations)
			val[8] = e.Finality
			if err := manifest.Put(key, val[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAccumulatorSnapshot reads back a snapshot written by
// SaveAccumulatorSnapshot.
func (d *DB) LoadAccumulatorSnapshot() (map[primitives.Hash]AccumulatorEntry, error) {
	if d == nil {
		return nil, errors.New("store: nil db")
	}
	out := make(map[primitives.Hash]AccumulatorEntry)
	err := d.bdb.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketManifest).Cursor()
		for k, v := c.Seek(prefixAccumulator); k != nil && hasPrefix(k, prefixAccumulator); k, v = c.Next() {
			if len(v) != 9 {
				continue
			}
			var hash primitives.Hash
			copy(hash[:], k[len(prefixAccumulator):])
			out[hash] = AccumulatorEntry{
				Iterations: binary.BigEndian.Uint64(v[:8]),
				Finality:   v[8],
			}
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func heightKeyBytes(h uint64) []byte {
	return u64Bytes(h)
}

func u64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func readU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// appendHashUnique appends hash to the encoded hash list in existing
// unless it is already present.
func appendHashUnique(existing []byte, hash primitives.Hash) []byte {
	list := decodeHashList(existing)
	for _, h := range list {
		if h == hash {
			return existing
		}
	}
	out := make([]byte, len(existing)+primitives.HashSize)
	copy(out, existing)
	copy(out[len(existing):], hash[:])
	return out
}

func decodeHashList(b []byte) []primitives.Hash {
	if len(b)%primitives.HashSize != 0 {
		return nil
	}
	n := len(b) / primitives.HashSize
	out := make([]primitives.Hash, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], b[i*primitives.HashSize:(i+1)*primitives.HashSize])
	}
	return out
}
