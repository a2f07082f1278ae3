package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/purplenet/purple/chain"
	"github.com/purplenet/purple/crypto"
	"github.com/purplenet/purple/events"
	"github.com/purplenet/purple/storage"
)

const (
	nsAccount = "acct:"
	nsBond    = "bond:"
	nsAnchor  = "anch:"
)

var statePrefixes = []string{nsAccount, nsAnchor, nsBond}

// MinBondAmount is the smallest stake a bond transaction may lock.
const MinBondAmount = 1

// MaxAnchorName bounds anchor names so a single transaction cannot
// bloat the state with an arbitrarily long key.
const MaxAnchorName = 64

// WorldState is the concrete State implementation: a copy-on-write
// overlay of committed entries read from a storage.Column. Transaction
// execution lives here as plain methods; there is no separate dispatch
// layer, since the native transaction set is small and fixed.
type WorldState struct {
	db      storage.Column
	emitter *events.Emitter

	dirty   map[string][]byte
	deleted map[string]bool
}

// NewWorldState returns the WorldState persisted in db, with no pending
// overlay.
func NewWorldState(db storage.Column, emitter *events.Emitter) *WorldState {
	return &WorldState{
		db:      db,
		emitter: emitter,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

func (s *WorldState) clone() *WorldState {
	next := NewWorldState(s.db, s.emitter)
	for k, v := range s.dirty {
		next.dirty[k] = bytes.Clone(v)
	}
	for k := range s.deleted {
		next.deleted[k] = true
	}
	return next
}

// ---- overlay KV helpers ----

func (s *WorldState) get(key string) ([]byte, error) {
	if s.deleted[key] {
		return nil, storage.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.db.Get([]byte(key))
}

func (s *WorldState) put(key string, rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	delete(s.deleted, key)
	s.dirty[key] = data
	return nil
}

func (s *WorldState) del(key string) {
	delete(s.dirty, key)
	s.deleted[key] = true
}

// ---- records ----

// GetAccount returns the account at address, or a zero-valued account
// if none has been written yet.
func (s *WorldState) GetAccount(address string) (*Account, error) {
	data, err := s.get(nsAccount + address)
	if errors.Is(err, storage.ErrNotFound) {
		return &Account{Address: address}, nil
	}
	if err != nil {
		return nil, err
	}
	var acc Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *WorldState) SetAccount(acc *Account) error {
	return s.put(nsAccount+acc.Address, acc)
}

// GetBond returns validator's active stake, or storage.ErrNotFound.
func (s *WorldState) GetBond(validator string) (*Bond, error) {
	data, err := s.get(nsBond + validator)
	if err != nil {
		return nil, err
	}
	var b Bond
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *WorldState) SetBond(b *Bond) error {
	return s.put(nsBond+b.Validator, b)
}

func (s *WorldState) DeleteBond(validator string) {
	s.del(nsBond + validator)
}

// GetAnchor returns the named commitment, or storage.ErrNotFound.
func (s *WorldState) GetAnchor(name string) (*Anchor, error) {
	data, err := s.get(nsAnchor + name)
	if err != nil {
		return nil, err
	}
	var a Anchor
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *WorldState) SetAnchor(a *Anchor) error {
	return s.put(nsAnchor+a.Name, a)
}

// BondedValidators returns every validator with an active stake, in
// ascending key order so callers can rely on a stable rotation.
func (s *WorldState) BondedValidators() []string {
	var out []string
	for _, kv := range s.mergedEntries(nsBond) {
		out = append(out, kv.key[len(nsBond):])
	}
	return out
}

// ---- root hash ----

type stateEntry struct {
	key string
	val []byte
}

// mergedEntries returns the committed entries under prefix overlaid
// with pending writes and deletions, sorted by key.
func (s *WorldState) mergedEntries(prefix string) []stateEntry {
	merged := make(map[string][]byte)
	it := s.db.NewIterator([]byte(prefix))
	for it.Next() {
		merged[string(it.Key())] = bytes.Clone(it.Value())
	}
	it.Release()
	for k, v := range s.dirty {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			merged[k] = v
		}
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	out := make([]stateEntry, 0, len(merged))
	for k, v := range merged {
		out = append(out, stateEntry{key: k, val: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// RootHash returns the deterministic digest of the full world state:
// every live entry in key order, length-prefix encoded, hashed.
func (s *WorldState) RootHash() crypto.Digest {
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, prefix := range statePrefixes {
		for _, kv := range s.mergedEntries(prefix) {
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kv.key)))
			buf.Write(lenBuf[:])
			buf.WriteString(kv.key)
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kv.val)))
			buf.Write(lenBuf[:])
			buf.Write(kv.val)
		}
	}
	return crypto.Hash(buf.Bytes())
}

// ---- block application ----

// Apply executes block's transactions against a clone of s and returns
// the resulting state, rejecting if the block's declared StateRoot
// doesn't match what execution produced. s itself is left untouched.
func (s *WorldState) Apply(block *chain.StateBlock) (State, error) {
	next, err := s.execute(block)
	if err != nil {
		return nil, err
	}
	if root := next.RootHash(); root != block.Header.StateRoot {
		return nil, reject(RejectStateRootMismatch, fmt.Errorf("state: root mismatch: have %s want %s", root, block.Header.StateRoot))
	}
	return next, nil
}

// ApplyForProposal executes block's transactions the same way Apply
// does but returns the resulting root instead of checking it, since a
// block under construction has no StateRoot yet: it is exactly what
// this call computes. Proposers fill the header with the returned root,
// sign, and submit through the normal Apply path.
func (s *WorldState) ApplyForProposal(block *chain.StateBlock) (*WorldState, crypto.Digest, error) {
	next, err := s.execute(block)
	if err != nil {
		return nil, crypto.Digest{}, err
	}
	return next, next.RootHash(), nil
}

// execute runs every transaction against one clone. It fails closed: a
// block carrying any bad transaction is rejected whole, so there is no
// per-transaction rollback to manage.
func (s *WorldState) execute(block *chain.StateBlock) (*WorldState, error) {
	next := s.clone()
	for _, tx := range block.Transactions {
		if err := next.runTx(block, tx); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// runTx settles a transaction's common obligations (signature, nonce,
// fee; fees are burned) and then dispatches on its type.
func (s *WorldState) runTx(block *chain.StateBlock, tx *chain.Transaction) error {
	if err := tx.Verify(); err != nil {
		return reject(RejectBadSignature, err)
	}
	sender, err := s.GetAccount(tx.From)
	if err != nil {
		return err
	}
	if tx.Nonce != sender.Nonce {
		return reject(RejectBadNonce, fmt.Errorf("state: nonce %d, account is at %d", tx.Nonce, sender.Nonce))
	}
	if !sender.Debit(tx.Fee) {
		return reject(RejectInsufficientBalance, fmt.Errorf("state: fee %d exceeds balance %d", tx.Fee, sender.Balance))
	}
	sender.Nonce++
	if err := s.SetAccount(sender); err != nil {
		return err
	}

	switch tx.Type {
	case chain.TxTransfer:
		return s.runTransfer(block, tx)
	case chain.TxBond:
		return s.runBond(block, tx)
	case chain.TxUnbond:
		return s.runUnbond(block, tx)
	case chain.TxAnchor:
		return s.runAnchor(block, tx)
	default:
		return reject(RejectUnknownTxType, fmt.Errorf("state: unknown transaction type %q", tx.Type))
	}
}

func (s *WorldState) runTransfer(block *chain.StateBlock, tx *chain.Transaction) error {
	var p chain.TransferPayload
	if err := json.Unmarshal(tx.Payload, &p); err != nil {
		return reject(RejectBadPayload, fmt.Errorf("state: transfer payload: %w", err))
	}
	switch {
	case p.Amount == 0:
		return reject(RejectBadPayload, errors.New("state: zero-amount transfer"))
	case p.To == tx.From:
		return reject(RejectBadPayload, errors.New("state: transfer to self"))
	}
	if _, err := crypto.PubKeyFromHex(p.To); err != nil {
		return reject(RejectBadPayload, fmt.Errorf("state: transfer recipient: %w", err))
	}

	sender, err := s.GetAccount(tx.From)
	if err != nil {
		return err
	}
	recipient, err := s.GetAccount(p.To)
	if err != nil {
		return err
	}
	if !sender.Debit(p.Amount) {
		return reject(RejectInsufficientBalance, fmt.Errorf("state: transfer of %d exceeds balance %d", p.Amount, sender.Balance))
	}
	if !recipient.Credit(p.Amount) {
		return reject(RejectOverflow, fmt.Errorf("state: transfer of %d overflows %s", p.Amount, p.To))
	}
	if err := s.SetAccount(sender); err != nil {
		return err
	}
	if err := s.SetAccount(recipient); err != nil {
		return err
	}

	s.emit(events.Event{
		Type:        events.EventTokenTransfer,
		TxID:        tx.ID,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"from": tx.From, "to": p.To, "amount": p.Amount},
	})
	return nil
}

func (s *WorldState) runBond(block *chain.StateBlock, tx *chain.Transaction) error {
	var p chain.BondPayload
	if err := json.Unmarshal(tx.Payload, &p); err != nil {
		return reject(RejectBadPayload, fmt.Errorf("state: bond payload: %w", err))
	}
	if p.Amount < MinBondAmount {
		return reject(RejectBadPayload, fmt.Errorf("state: bond of %d below minimum %d", p.Amount, MinBondAmount))
	}

	sender, err := s.GetAccount(tx.From)
	if err != nil {
		return err
	}
	if !sender.Debit(p.Amount) {
		return reject(RejectInsufficientBalance, fmt.Errorf("state: bond of %d exceeds balance %d", p.Amount, sender.Balance))
	}
	if err := s.SetAccount(sender); err != nil {
		return err
	}

	bond, err := s.GetBond(tx.From)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		bond = &Bond{Validator: tx.From, Since: block.Header.Height}
	case err != nil:
		return err
	}
	total := bond.Amount + p.Amount
	if total < bond.Amount {
		return reject(RejectOverflow, fmt.Errorf("state: bond top-up of %d overflows stake %d", p.Amount, bond.Amount))
	}
	bond.Amount = total
	if err := s.SetBond(bond); err != nil {
		return err
	}

	s.emit(events.Event{
		Type:        events.EventValidatorBonded,
		TxID:        tx.ID,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"validator": tx.From, "amount": p.Amount, "total": bond.Amount},
	})
	return nil
}

func (s *WorldState) runUnbond(block *chain.StateBlock, tx *chain.Transaction) error {
	bond, err := s.GetBond(tx.From)
	if errors.Is(err, storage.ErrNotFound) {
		return reject(RejectBadPayload, errors.New("state: no active bond to release"))
	}
	if err != nil {
		return err
	}

	sender, err := s.GetAccount(tx.From)
	if err != nil {
		return err
	}
	if !sender.Credit(bond.Amount) {
		return reject(RejectOverflow, fmt.Errorf("state: releasing stake of %d overflows %s", bond.Amount, tx.From))
	}
	if err := s.SetAccount(sender); err != nil {
		return err
	}
	s.DeleteBond(tx.From)

	s.emit(events.Event{
		Type:        events.EventValidatorUnbonded,
		TxID:        tx.ID,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"validator": tx.From, "amount": bond.Amount},
	})
	return nil
}

func (s *WorldState) runAnchor(block *chain.StateBlock, tx *chain.Transaction) error {
	var p chain.AnchorPayload
	if err := json.Unmarshal(tx.Payload, &p); err != nil {
		return reject(RejectBadPayload, fmt.Errorf("state: anchor payload: %w", err))
	}
	if p.Name == "" || len(p.Name) > MaxAnchorName {
		return reject(RejectBadPayload, fmt.Errorf("state: anchor name must be 1-%d bytes", MaxAnchorName))
	}
	digest, err := crypto.DigestFromHex(p.Digest)
	if err != nil {
		return reject(RejectBadPayload, fmt.Errorf("state: anchor digest: %w", err))
	}

	anchor, err := s.GetAnchor(p.Name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		anchor = &Anchor{Name: p.Name, Owner: tx.From}
	case err != nil:
		return err
	case anchor.Owner != tx.From:
		return reject(RejectBadPayload, fmt.Errorf("state: anchor %q is owned by another account", p.Name))
	}
	anchor.Digest = digest
	anchor.Height = block.Header.Height
	anchor.Version++
	if err := s.SetAnchor(anchor); err != nil {
		return err
	}

	s.emit(events.Event{
		Type:        events.EventAnchorRecorded,
		TxID:        tx.ID,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"name": p.Name, "owner": anchor.Owner, "digest": digest.String(), "version": anchor.Version},
	})
	return nil
}

func (s *WorldState) emit(ev events.Event) {
	if s.emitter != nil {
		s.emitter.Emit(ev)
	}
}

// Commit flushes the pending overlay to the underlying column via an
// atomic batch, then clears it. Call this only for the block that is
// now permanently final (past the finality horizon); branch states
// that never finalize are simply dropped.
func (s *WorldState) Commit() error {
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	return nil
}
