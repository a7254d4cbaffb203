package chain

import "montana.dev/node/primitives"

// PrivacyTier is the account-level category controlling how balances are
// revealed to observers. The protocol fixes three tiers; networks may
// choose which are enabled via node configuration.
type PrivacyTier uint8

const (
	PrivacyPublic   PrivacyTier = 0
	PrivacyShielded PrivacyTier = 1
	PrivacySealed   PrivacyTier = 2
)

func (t PrivacyTier) valid() bool {
	return t == PrivacyPublic || t == PrivacyShielded || t == PrivacySealed
}

// Account is the mutable per-address record the state machine maintains.
// Accounts are created lazily on first reference and never destroyed.
type Account struct {
	Balance         uint64
	Nonce           uint64
	Score           float64
	HeartbeatCount  uint64
	PrivacyTier     PrivacyTier
	LastHeartbeatMs uint64
}

// Encode writes the canonical encoding of the account, used as the Merkle
// leaf body for the state root (keyed externally by address).
func (a Account) Encode() []byte {
	w := primitives.NewWriter(64)
	w.PutU64(a.Balance)
	w.PutU64(a.Nonce)
	w.PutU64(scoreToBits(a.Score))
	w.PutU64(a.HeartbeatCount)
	w.PutU8(uint8(a.PrivacyTier))
	w.PutU64(a.LastHeartbeatMs)
	return w.Bytes()
}

// DecodeAccount parses an account record written by Encode.
func DecodeAccount(buf []byte) (Account, error) {
	r := primitives.NewReader(buf)
	var a Account
	var err error
	if a.Balance, err = r.GetU64(); err != nil {
		return Account{}, err
	}
	if a.Nonce, err = r.GetU64(); err != nil {
		return Account{}, err
	}
	bits, err := r.GetU64()
	if err != nil {
		return Account{}, err
	}
	a.Score = bitsToScore(bits)
	if a.HeartbeatCount, err = r.GetU64(); err != nil {
		return Account{}, err
	}
	tier, err := r.GetU8()
	if err != nil {
		return Account{}, err
	}
	a.PrivacyTier = PrivacyTier(tier)
	if !a.PrivacyTier.valid() {
		return Account{}, verr(ErrDecodeInvalid, "unknown privacy tier")
	}
	if a.LastHeartbeatMs, err = r.GetU64(); err != nil {
		return Account{}, err
	}
	if !r.Done() {
		return Account{}, verr(ErrDecodeInvalid, "trailing bytes after account")
	}
	return a, nil
}
