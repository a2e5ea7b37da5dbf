// Package chain implements the append-only, hash-chained block ledger and
// its proof-of-work sequencing.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gridwatt/exchange/internal/models"
)

// BlockHash computes the SHA-256 hex digest over the block's height,
// timestamp, records, previous hash, and nonce. Records are serialized as
// JSON; struct field order makes the encoding deterministic.
func BlockHash(b *models.Block) string {
	records, _ := json.Marshal(b.Records)
	preimage := fmt.Sprintf("%d%d%s%s%d", b.Height, b.Timestamp, records, b.PrevHash, b.Nonce)
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])
}

// Miner searches for a nonce that makes a candidate block's hash valid.
// Pluggable so an alternative finality mechanism can replace proof-of-work
// without touching the matching engine or token ledger.
type Miner interface {
	FindValidNonce(b *models.Block) uint64
}

// ProofOfWork is the default Miner: it increments the nonce until the block
// hash carries Difficulty leading zero hex characters. Synchronous and
// CPU-bound; a deliberate throughput bottleneck.
type ProofOfWork struct {
	Difficulty int
}

// FindValidNonce mutates the candidate's nonce and hash in place and
// returns the winning nonce.
func (p ProofOfWork) FindValidNonce(b *models.Block) uint64 {
	target := strings.Repeat("0", p.Difficulty)
	for {
		b.Hash = BlockHash(b)
		if strings.HasPrefix(b.Hash, target) {
			return b.Nonce
		}
		b.Nonce++
	}
}
