package tokenauthority

import (
	"context"
	"time"

	"github.com/nkiryanov/schoolgate/internal/models"
)

// Outcome of token verification
// Principal is set only for verified tokens, expired ones included
type Verification struct {
	Verified  bool
	Expired   bool
	Principal models.Principal
}

// Authority mints and verifies opaque bearer tokens
type Authority interface {
	Create(ctx context.Context, p models.Principal, ttl time.Duration) (string, error)
	Verify(ctx context.Context, token string) (Verification, error)
}
