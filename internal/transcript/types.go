package transcript

import (
	"context"
	"time"
)

// TurnRecord stores a single user or assistant entry of a resolved exchange.
// The user and assistant halves of one exchange share a TurnID.
type TurnRecord struct {
	ID        string    `json:"id"`
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	IsVoice   bool      `json:"is_voice"`
	CreatedAt time.Time `json:"created_at"`
}

// Store archives resolved conversation turns.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	Recent(ctx context.Context, limit int) ([]TurnRecord, error)
	Close() error
}
