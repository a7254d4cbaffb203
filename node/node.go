package node

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"montana.dev/node/crypto"
	"montana.dev/node/dag"
	"montana.dev/node/mempool"
	"montana.dev/node/p2p"
	"montana.dev/node/primitives"
	"montana.dev/node/state"
	"montana.dev/node/store"
	syncmgr "montana.dev/node/sync"
	"montana.dev/node/vdf"
)

// protocolVersion is this node's wire protocol version, advertised in the
// version handshake and persisted alongside the store (spec.md §6).
const protocolVersion = 1

// genesisHash derives the DAG's genesis sentinel deterministically from the
// network name, so every node on the same network agrees on it without a
// distributed genesis block to exchange (devnet/testnet convenience; a
// production network would instead hard-code a fixed genesis hash).
func genesisHash(network string) primitives.Hash {
	return primitives.SumHash([]byte("montana-genesis:" + network))
}

// requesterProxy lets the sync engine and the peer manager be constructed
// in either order despite needing a reference to each other: sync.Engine
// is built first against a proxy whose pm field is filled in once the
// PeerManager exists, before either is ever Run.
type requesterProxy struct {
	pm *PeerManager
}

func (r *requesterProxy) SendGetHeaders(peer syncmgr.PeerID, req p2p.GetHeadersPayload) error {
	return r.pm.SendGetHeaders(peer, req)
}

func (r *requesterProxy) SendGetData(peer syncmgr.PeerID, vecs []p2p.InvVector) error {
	return r.pm.SendGetData(peer, vecs)
}

func (r *requesterProxy) Disconnect(peer syncmgr.PeerID) {
	r.pm.Disconnect(peer)
}

// Node assembles every subsystem spec.md §3 names into one supervised
// runtime: block store, DAG, state machine, mempool, VDF engine and
// accumulator, the chain ingestion path, block production, the heartbeat
// scheduler, headers-first sync, and the peer set. Grounded on the
// teacher's node/main.go wiring shape (open store, construct miner,
// construct p2p listener, run under one cancellation scope), generalized
// from its single-purpose miner loop to this spec's larger collaborator
// graph.
type Node struct {
	cfg      Config
	identity Identity
	log      *zap.SugaredLogger

	db          *store.DB
	dag         *dag.DAG
	state       *state.State
	mempool     *mempool.Mempool
	vdfEngine   *vdf.Engine
	accumulator *vdf.Accumulator
	provider    crypto.Provider

	chain      *Chain
	producer   *Producer
	heartbeats *HeartbeatScheduler
	syncEngine *syncmgr.Engine
	peers      *PeerManager

	genesis primitives.Hash
}

// New opens the store, rebuilds derived state from it, and wires every
// subsystem together. It does not start any goroutines; call Run for
// that.
func New(cfg Config, identity Identity, log *zap.SugaredLogger) (*Node, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "chain.db"), 1024)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}
	if err := db.SetProtocolVersion(protocolVersion); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("node: persist protocol version: %w", err)
	}

	genesis := genesisHash(cfg.Network)
	d := dag.New(genesis, cfg.K)
	st := state.New()
	mp := mempool.New(mempool.Config{
		MaxBytes: mempool.DefaultConfig().MaxBytes,
		MaxCount: mempool.DefaultConfig().MaxCount,
		MinFee:   cfg.MinFee,
	})
	acc := vdf.NewAccumulator(cfg.Thresholds())
	provider := crypto.NewDevProvider()

	ch := NewChain(db, d, st, mp, acc, provider, cfg.MinFee, cfg.VDFCheckpointInterval, log.Named("chain"))
	if err := ch.Bootstrap(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("node: bootstrap chain from store: %w", err)
	}

	vdfEngine := vdf.New(cfg.VDFConfig())
	seedInput, seedCumulative := vdfSeed(db, d, genesis)
	vdfEngine.ResumeFrom(seedInput, seedCumulative)

	producerCfg := ProducerConfig{
		Identity:              identity,
		MaxParents:            8,
		MaxHeartbeatsPerBlock: cfg.MaxHeartbeatsPerBlock,
		MaxTxPerBlock:         cfg.MaxTxPerBlock,
		MinFee:                cfg.MinFee,
		BaseProbability:       cfg.BaseProbability,
		CheckpointIterations:  cfg.VDFCheckpointInterval,
	}
	producer := NewProducer(producerCfg, provider, d, st, mp, vdfEngine, ch, genesis, log.Named("producer"))

	prevHeartbeat, _ := st.LastHeartbeat(identity.NodeID)
	heartbeats := NewHeartbeatScheduler(cfg.HeartbeatInterval(), identity, provider, vdfEngine, producer, prevHeartbeat, log.Named("heartbeat"))

	syncCfg := syncmgr.DefaultConfig()
	syncCfg.MaxBlocksPerRequest = cfg.MaxBlocksPerRequest
	syncCfg.HeaderBatchLimit = cfg.IBDBatchSize
	validator := &headerValidator{state: st, provider: provider}

	proxy := &requesterProxy{}
	syncEngine := syncmgr.NewEngine(ch, proxy, validator, syncCfg)

	p2pCfg := p2p.Config{
		ChainID:     genesis,
		OurVersion:  versionPayload(cfg, ch.Height(), protocolVersion),
		IdleTimeout: 90 * time.Second,
	}
	peers := NewPeerManager(p2pCfg, syncEngine, db, ch, mp, st, provider, log.Named("p2p"))
	proxy.pm = peers

	return &Node{
		cfg:         cfg,
		identity:    identity,
		log:         log,
		db:          db,
		dag:         d,
		state:       st,
		mempool:     mp,
		vdfEngine:   vdfEngine,
		accumulator: acc,
		provider:    provider,
		chain:       ch,
		producer:    producer,
		heartbeats:  heartbeats,
		syncEngine:  syncEngine,
		peers:       peers,
		genesis:     genesis,
	}, nil
}

// vdfSeed resumes the VDF chain from the current selected tip's VDF output
// and cumulative iteration count, if a tip exists, so a restarted node
// continues the same lineage instead of silently resetting its own
// accumulator bookkeeping to zero (spec.md §4.2).
func vdfSeed(db *store.DB, d *dag.DAG, genesis primitives.Hash) (primitives.Hash, uint64) {
	tip, ok := d.SelectedTip()
	if !ok || tip == genesis {
		return genesis, 0
	}
	header, ok, err := db.GetHeader(tip)
	if err != nil || !ok {
		return genesis, 0
	}
	return header.VDFOutput, header.CumulativeIterations
}

// versionPayload builds this node's handshake advertisement.
func versionPayload(cfg Config, height uint64, version uint32) p2p.VersionPayload {
	var nonceBuf [8]byte
	_, _ = crand.Read(nonceBuf[:])
	return p2p.VersionPayload{
		ProtocolVersion: version,
		ChainID:         genesisHash(cfg.Network),
		Services:        1,
		Timestamp:       uint64(time.Now().Unix()),
		Nonce:           binary.BigEndian.Uint64(nonceBuf[:]),
		UserAgent:       "/montana-node:0.1/",
		StartHeight:     height,
		Relay:           true,
	}
}

// Close releases the node's resources. Run's callers should call this
// after Run returns.
func (n *Node) Close() error {
	return n.db.Close()
}

// Height returns the current canonical chain height.
func (n *Node) Height() uint64 {
	return n.chain.Height()
}

// PeerCount returns the number of currently connected peers.
func (n *Node) PeerCount() int {
	return n.peers.Snapshot()
}

// Run starts every long-lived subsystem under one supervised group: the
// VDF engine, block production, the heartbeat scheduler, the sync
// manager's timeout/partition tick loop, the inbound listener, and
// outbound dialing. It returns when ctx is cancelled or any task returns
// a non-cancellation error, at which point every other task is also
// cancelled (golang.org/x/sync/errgroup's supervised-group shape, matched
// to the teacher's own use of errgroup for its own top-level run loop).
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.vdfEngine.Run(gctx) })
	g.Go(func() error { return n.heartbeats.Run(gctx) })
	g.Go(func() error { return n.producer.Run(gctx, n.readyToProduce) })
	g.Go(func() error { return n.runSyncTicker(gctx) })
	g.Go(func() error { return n.peers.Listen(gctx, n.cfg.BindAddr) })
	g.Go(func() error {
		n.peers.DialPeers(gctx, n.cfg.Peers)
		return nil
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// readyToProduce gates block production on the sync engine being idle (no
// sync started yet) or caught up: a node mid-IBD should not be minting
// blocks on top of a tip it knows is stale.
func (n *Node) readyToProduce() bool {
	st := n.syncEngine.Progress().State
	return st == syncmgr.StateIdle || st == syncmgr.StateCaughtUp
}

// runSyncTicker drives the sync engine's timeout and request-partitioning
// logic on a fixed cadence, independent of message arrival.
func (n *Node) runSyncTicker(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			if err := n.syncEngine.Tick(t); err != nil {
				n.log.Warnw("sync tick failed", "error", err)
			}
		}
	}
}
