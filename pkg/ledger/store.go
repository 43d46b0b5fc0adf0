package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/hyperlicked/pkg/maas"
)

// txStore persists the nonce counter and terminal transaction records so a
// process restart does not lose track of in-flight nonces (SPEC_FULL.md
// §C.3), keyed the same prefixed-key-per-record way the teacher's pebble
// block store persisted consensus state, applied here to tx state instead.
type txStore struct {
	db *pebble.DB
}

func openTxStore(path string) (*txStore, error) {
	if path == "" {
		path = "ledger-state"
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open ledger pebble store: %w", err)
	}
	return &txStore{db: db}, nil
}

func (s *txStore) Close() error { return s.db.Close() }

func nonceKey() []byte { return []byte("nonce") }
func txKey(txID string) []byte { return append([]byte("tx:"), []byte(txID)...) }

// SaveNonce persists the next nonce to hand out. Fatal codec/IO errors
// panic: a corrupted tx-state log is an unrecoverable inconsistency, the
// same severity the teacher gives pebble codec failures.
func (s *txStore) SaveNonce(next uint64) {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(next >> (8 * i))
	}
	if err := s.db.Set(nonceKey(), buf, pebble.Sync); err != nil {
		panic(fmt.Errorf("persist nonce: %w", err))
	}
}

// LoadNonce returns the persisted next-nonce, or (0, false) if unset.
func (s *txStore) LoadNonce() (uint64, bool) {
	val, closer, err := s.db.Get(nonceKey())
	if err == pebble.ErrNotFound {
		return 0, false
	}
	if err != nil {
		panic(fmt.Errorf("load nonce: %w", err))
	}
	defer closer.Close()
	var next uint64
	for i := 0; i < 8 && i < len(val); i++ {
		next |= uint64(val[i]) << (8 * i)
	}
	return next, true
}

// SaveTx persists a terminal transaction record for recovery/stats.
func (s *txStore) SaveTx(tx maas.Transaction) {
	data, err := json.Marshal(tx)
	if err != nil {
		panic(fmt.Errorf("marshal tx %s: %w", tx.TxID, err))
	}
	if err := s.db.Set(txKey(tx.TxID), data, pebble.Sync); err != nil {
		panic(fmt.Errorf("persist tx %s: %w", tx.TxID, err))
	}
}

// LoadAllTx scans every persisted transaction, used to rebuild stats()
// after a restart.
func (s *txStore) LoadAllTx() []maas.Transaction {
	iter, _ := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("tx:"),
		UpperBound: []byte("tx;"),
	})
	defer iter.Close()

	var out []maas.Transaction
	for iter.First(); iter.Valid(); iter.Next() {
		var tx maas.Transaction
		if err := json.Unmarshal(iter.Value(), &tx); err != nil {
			continue
		}
		out = append(out, tx)
	}
	return out
}
