package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// Cache records identity keys for a fixed window.
type Cache interface {
	// Claim reports whether key is new within the window and records it.
	// Exactly one of several concurrent claims for the same key wins.
	Claim(ctx context.Context, key string) (bool, error)
}

// Key returns the hex SHA-256 of ev's identity tuple.
func Key(ev types.AlertEvent) string {
	sum := sha256.Sum256([]byte(ev.IdentityKey()))
	return hex.EncodeToString(sum[:])
}
