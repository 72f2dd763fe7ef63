package auditlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

const (
	leafPrefix = "discard:audit:leaf:v1"
	nodePrefix = "discard:audit:node:v1"
)

// MerkleRoot folds a list of entry hashes into a single anchorable root.
// Levels with an odd node count duplicate their last node. Leaf and interior
// hashes use distinct domain prefixes so a leaf can never be replayed as an
// interior node.
func MerkleRoot(eventHashes []string) string {
	if len(eventHashes) == 0 {
		return ""
	}
	level := make([]string, len(eventHashes))
	for i, h := range eventHashes {
		level[i] = leafHash(h)
	}
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = nodeHash(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}

func leafHash(eventHash string) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(eventHash)
	return sha256Hex(buf.Bytes())
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
