package maas

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// StableHash returns a deterministic hex digest of an ordered list of
// segment ids, used as a Bundle's bundleId (spec.md §3.1) and as a tie
// breaker for router output ordering (spec.md §4.C, "ties broken by
// ascending bundleId"). Keccak256 gives us a collision-resistant digest
// using the same primitive the Ledger Client already depends on for
// signing, so no extra hashing library is pulled in for this alone.
func StableHash(orderedIDs []string) string {
	joined := strings.Join(orderedIDs, "|")
	sum := crypto.Keccak256([]byte(joined))
	return "0x" + hex.EncodeToString(sum)
}
