package chain

import "montana.dev/node/primitives"

// Transaction moves value from sender to recipient. Hash is computed over
// every field except the signature, so the signature covers that hash
// rather than signing itself.
type Transaction struct {
	Sender    primitives.Address
	Recipient primitives.Address
	Amount    uint64
	Fee       uint64
	Nonce     uint64
	Payload   []byte
	Signature []byte
}

// encodeBody writes every field but the signature, the portion that is
// both hashed and signed.
func (t *Transaction) encodeBody(w *primitives.Writer) {
	w.PutAddress(t.Sender)
	w.PutAddress(t.Recipient)
	w.PutU64(t.Amount)
	w.PutU64(t.Fee)
	w.PutU64(t.Nonce)
	w.PutBytes(t.Payload)
}

// Encode returns the full canonical encoding, body followed by signature.
func (t *Transaction) Encode() []byte {
	w := primitives.NewWriter(128 + len(t.Payload) + len(t.Signature))
	t.encodeBody(w)
	w.PutBytes(t.Signature)
	return w.Bytes()
}

// Hash returns the transaction's identity hash: H(encode(body)), excluding
// the signature so that it is the value the signature is computed over.
func (t *Transaction) Hash() primitives.Hash {
	w := primitives.NewWriter(128 + len(t.Payload))
	t.encodeBody(w)
	return primitives.SumHash(w.Bytes())
}

// DecodeTransaction parses a transaction written by Encode.
func DecodeTransaction(buf []byte) (*Transaction, error) {
	r := primitives.NewReader(buf)
	tx, err := decodeTransactionFrom(r)
	if err != nil {
		return nil, err
	}
	if !r.Done() {
		return nil, verr(ErrDecodeInvalid, "trailing bytes after transaction")
	}
	return tx, nil
}

// decodeTransactionFrom reads one transaction from r without requiring r to
// be exhausted afterward, so callers decoding a sequence of transactions
// (e.g. a block body) can reuse it directly.
func decodeTransactionFrom(r *primitives.Reader) (*Transaction, error) {
	var t Transaction
	var err error
	if t.Sender, err = r.GetAddress(); err != nil {
		return nil, err
	}
	if t.Recipient, err = r.GetAddress(); err != nil {
		return nil, err
	}
	if t.Amount, err = r.GetU64(); err != nil {
		return nil, err
	}
	if t.Fee, err = r.GetU64(); err != nil {
		return nil, err
	}
	if t.Nonce, err = r.GetU64(); err != nil {
		return nil, err
	}
	if t.Payload, err = r.GetBytes(); err != nil {
		return nil, err
	}
	if t.Signature, err = r.GetBytes(); err != nil {
		return nil, err
	}
	return &t, nil
}
