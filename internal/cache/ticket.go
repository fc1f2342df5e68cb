package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/schoolgate/internal/apperrors"
	"github.com/nkiryanov/schoolgate/internal/models"
)

const (
	DefaultTicketTTL = 300 * time.Second

	ticketPrefix = "ws_ticket:"
)

// One time tickets to authenticate WebSocket upgrade
type TicketBroker struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

func NewTicketBroker(rdb redis.UniversalClient, ttl time.Duration) *TicketBroker {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketBroker{rdb: rdb, ttl: ttl, now: time.Now}
}

func (b *TicketBroker) TTL() time.Duration {
	return b.ttl
}

// Issue ticket for the principal. Ticket id is opaque 256 bit random value
func (b *TicketBroker) Issue(ctx context.Context, p models.Principal) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate ticket id: %w", err)
	}
	id := hex.EncodeToString(raw)

	payload, err := json.Marshal(models.Ticket{UserID: p.UserID, SessionID: p.SessionID, IssuedAt: b.now().UTC()})
	if err != nil {
		return "", fmt.Errorf("failed to encode ticket: %w", err)
	}

	if err := b.rdb.Set(ctx, ticketPrefix+id, payload, b.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis error: %w", err)
	}

	return id, nil
}

// Consume ticket. Only one of concurrent consumers gets the payload
// Others, as well as callers with expired or unknown ticket, get apperrors.ErrTicketNotFound
func (b *TicketBroker) Consume(ctx context.Context, id string) (models.Ticket, error) {
	var ticket models.Ticket
	if id == "" {
		return ticket, apperrors.ErrTicketNotFound
	}
	key := ticketPrefix + id

	var raw []byte
	err := b.rdb.Watch(ctx, func(tx *redis.Tx) error {
		var err error
		raw, err = tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}

		// Fails with redis.TxFailedErr if the key was touched after WATCH
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, redis.Nil), errors.Is(err, redis.TxFailedErr):
		return ticket, apperrors.ErrTicketNotFound
	case err != nil:
		return ticket, fmt.Errorf("redis error: %w", err)
	}

	if err := json.Unmarshal(raw, &ticket); err != nil {
		return ticket, fmt.Errorf("malformed ticket payload: %w", err)
	}

	return ticket, nil
}
