package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"

	"linkquota-bot/internal/clock"
)

const defaultTimeout = 5 * time.Second

// Store is the durable record of users, subscriptions, payments and usage.
// Every call runs under its own bounded timeout and Atomically is the only
// place a transaction commits.
type Store struct {
	db       *gorm.DB
	clock    clock.Clock
	timeout  time.Duration
	lockRows bool
}

func NewStore(db *gorm.DB, clk clock.Clock, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		db:      db,
		clock:   clk,
		timeout: timeout,
		// SQLite has a single writer and no FOR UPDATE.
		lockRows: db.Dialector.Name() == "postgres",
	}
}

func (s *Store) Now() time.Time {
	return s.clock.Now()
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

// Atomically runs fn inside one transaction. Returning an error rolls back.
func (s *Store) Atomically(ctx context.Context, fn func(tx *Tx) error) error {
	db, cancel := s.conn(ctx)
	defer cancel()

	err := db.Transaction(func(gtx *gorm.DB) error {
		return fn(&Tx{db: gtx, now: s.clock.Now(), lockRows: s.lockRows})
	})
	return classify(err)
}
