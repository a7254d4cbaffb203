package chain

import "montana.dev/node/primitives"

// Header is the block header. Field order here is the wire order: version,
// producer id, parents, height, timestamp, vdf_output, vdf_iterations,
// heartbeat_root, tx_root, state_root, signature.
type Header struct {
	Version              uint32
	ProducerID           primitives.Address
	Parents              []primitives.Hash
	Height               uint64
	TimestampMs          uint64
	VDFOutput            primitives.Hash
	CumulativeIterations uint64
	HeartbeatRoot        primitives.Hash
	TxRoot               primitives.Hash
	StateRoot            primitives.Hash
	Signature            []byte
}

// encodeBody writes every header field but the signature: the preimage the
// producer signs.
func (h *Header) encodeBody(w *primitives.Writer) {
	w.PutU32(h.Version)
	w.PutAddress(h.ProducerID)
	w.PutSeqHeader(len(h.Parents))
	for _, p := range h.Parents {
		w.PutHash(p)
	}
	w.PutU64(h.Height)
	w.PutU64(h.TimestampMs)
	w.PutHash(h.VDFOutput)
	w.PutU64(h.CumulativeIterations)
	w.PutHash(h.HeartbeatRoot)
	w.PutHash(h.TxRoot)
	w.PutHash(h.StateRoot)
}

// SignaturePreimage returns H(encode(body)), the digest the producer signs.
func (h *Header) SignaturePreimage() primitives.Hash {
	w := primitives.NewWriter(256)
	h.encodeBody(w)
	return primitives.SumHash(w.Bytes())
}

// Encode returns the full canonical header encoding, signature included.
// Block hash is taken over this, so the signature is part of block
// identity: a re-signed header is a different block.
func (h *Header) Encode() []byte {
	w := primitives.NewWriter(256 + len(h.Signature))
	h.encodeBody(w)
	w.PutBytes(h.Signature)
	return w.Bytes()
}

// Hash is the block hash: H(encode(header)).
func (h *Header) Hash() primitives.Hash {
	return primitives.SumHash(h.Encode())
}

// decodeHeaderFrom reads one header from r without requiring exhaustion.
func decodeHeaderFrom(r *primitives.Reader) (*Header, error) {
	var h Header
	var err error
	if h.Version, err = r.GetU32(); err != nil {
		return nil, err
	}
	if h.ProducerID, err = r.GetAddress(); err != nil {
		return nil, err
	}
	n, err := r.GetSeqHeader()
	if err != nil {
		return nil, err
	}
	h.Parents = make([]primitives.Hash, n)
	for i := range h.Parents {
		if h.Parents[i], err = r.GetHash(); err != nil {
			return nil, err
		}
	}
	if h.Height, err = r.GetU64(); err != nil {
		return nil, err
	}
	if h.TimestampMs, err = r.GetU64(); err != nil {
		return nil, err
	}
	if h.VDFOutput, err = r.GetHash(); err != nil {
		return nil, err
	}
	if h.CumulativeIterations, err = r.GetU64(); err != nil {
		return nil, err
	}
	if h.HeartbeatRoot, err = r.GetHash(); err != nil {
		return nil, err
	}
	if h.TxRoot, err = r.GetHash(); err != nil {
		return nil, err
	}
	if h.StateRoot, err = r.GetHash(); err != nil {
		return nil, err
	}
	if h.Signature, err = r.GetBytes(); err != nil {
		return nil, err
	}
	return &h, nil
}

// DecodeHeader parses a standalone header (e.g. from a `headers` message).
func DecodeHeader(buf []byte) (*Header, error) {
	r := primitives.NewReader(buf)
	h, err := decodeHeaderFrom(r)
	if err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, verr(ErrDecodeInvalid, "trailing bytes after header")
	}
	return h, nil
}

// Body is the ordered heartbeat and transaction sequence whose Merkle
// roots are committed in the header.
type Body struct {
	Heartbeats   []*Heartbeat
	Transactions []*Transaction
}

// Block is a header plus its body.
type Block struct {
	Header *Header
	Body   Body
}

// Hash returns the block's identity hash (the header hash).
func (b *Block) Hash() primitives.Hash { return b.Header.Hash() }

// Encode returns the full wire encoding: header then body (heartbeat
// count + heartbeats, tx count + transactions).
func (b *Block) Encode() []byte {
	w := primitives.NewWriter(512)
	headerBytes := b.Header.Encode()
	w.PutBytes(headerBytes)
	w.PutSeqHeader(len(b.Body.Heartbeats))
	for _, hb := range b.Body.Heartbeats {
		w.PutBytes(hb.Encode())
	}
	w.PutSeqHeader(len(b.Body.Transactions))
	for _, tx := range b.Body.Transactions {
		w.PutBytes(tx.Encode())
	}
	return w.Bytes()
}

// DecodeBlock parses a block written by Encode.
func DecodeBlock(buf []byte) (*Block, error) {
	r := primitives.NewReader(buf)
	headerBytes, err := r.GetBytes()
	if err != nil {
		return nil, err
	}
	header, err := DecodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	hbCount, err := r.GetSeqHeader()
	if err != nil {
		return nil, err
	}
	heartbeats := make([]*Heartbeat, hbCount)
	for i := range heartbeats {
		raw, err := r.GetBytes()
		if err != nil {
			return nil, err
		}
		hb, err := DecodeHeartbeat(raw)
		if err != nil {
			return nil, err
		}
		heartbeats[i] = hb
	}

	txCount, err := r.GetSeqHeader()
	if err != nil {
		return nil, err
	}
	txs := make([]*Transaction, txCount)
	for i := range txs {
		raw, err := r.GetBytes()
		if err != nil {
			return nil, err
		}
		tx, err := DecodeTransaction(raw)
		if err != nil {
			return nil, err
		}
		txs[i] = tx
	}

	if !r.Done() {
		return nil, verr(ErrDecodeInvalid, "trailing bytes after block")
	}
	return &Block{Header: header, Body: Body{Heartbeats: heartbeats, Transactions: txs}}, nil
}

// HeartbeatMerkleRoot computes the Merkle root committed as HeartbeatRoot.
func HeartbeatMerkleRoot(heartbeats []*Heartbeat) primitives.Hash {
	leaves := make([][]byte, len(heartbeats))
	for i, hb := range heartbeats {
		leaves[i] = hb.Encode()
	}
	return primitives.MerkleRoot(leaves)
}

// TransactionMerkleRoot computes the Merkle root committed as TxRoot.
func TransactionMerkleRoot(txs []*Transaction) primitives.Hash {
	leaves := make([][]byte, len(txs))
	for i, tx := range txs {
		leaves[i] = tx.Encode()
	}
	return primitives.MerkleRoot(leaves)
}
