// Package revocation implements the access and refresh token denylists.
//
// A record mirrors the revoked token's own expiry. Once that instant passes
// the record stops counting, whether or not it has been physically removed,
// so pruning only bounds storage growth.
package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Store records explicitly invalidated tokens. Implementations must make
// Blacklist an atomic insert-if-absent so concurrent callers need no locking.
type Store interface {
	// Blacklist records token as revoked until expiresAt. Repeating the call
	// for a token that is still recorded is a no-op.
	Blacklist(ctx context.Context, token string, expiresAt time.Time) error
	// IsRevoked reports whether a record for token exists with an expiry
	// strictly after now.
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// Pruner is implemented by stores that keep expired records around.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// Pair bundles the two independent denylists.
type Pair struct {
	Access  Store
	Refresh Store
}

// tokenKey derives the storage key for a raw token. Every backend keeps the
// digest rather than the bearer secret itself.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// StartPruning launches a background ticker that prunes every store that
// supports it. It returns immediately when interval is not positive.
func StartPruning(interval time.Duration, logger *slog.Logger, stop <-chan struct{}, stores ...Store) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range stores {
					p, ok := s.(Pruner)
					if !ok {
						continue
					}
					ctx, cancel := context.WithTimeout(context.Background(), interval)
					n, err := p.Prune(ctx)
					cancel()
					if err != nil {
						logger.Error("revocation prune", "error", err)
						continue
					}
					if n > 0 {
						logger.Debug("revocation pruned", "removed", n)
					}
				}
			case <-stop:
				return
			}
		}
	}()
}
