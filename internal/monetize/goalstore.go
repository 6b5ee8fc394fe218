package monetize

import (
	"context"
	"database/sql"
	"log"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/streamweave/internal/core"
)

const goalSchema = `CREATE TABLE IF NOT EXISTS goal_totals (
  platform TEXT NOT NULL,
  gift_type TEXT NOT NULL,
  total REAL NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (platform, gift_type)
);`

// GoalStore persists per-platform monetization totals across restarts.
// It accumulates unitAmount*giftCount, which for Twitch bits (giftCount 1)
// keeps a 100-bit cheer worth exactly 100.
type GoalStore struct {
	db *sql.DB
}

func OpenGoalStore(path string) (*GoalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(goalSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	applyTuningPragmas(context.Background(), db)
	return &GoalStore{db: db}, nil
}

func (s *GoalStore) Close() error { return s.db.Close() }

// Record adds one gift event's value to the platform's running total.
func (s *GoalStore) Record(ctx context.Context, e core.Event) error {
	if e.Gift == nil {
		return errors.New("record: event carries no gift")
	}
	value := e.Gift.UnitAmount * float64(e.Gift.GiftCount)

	const q = `INSERT INTO goal_totals (platform, gift_type, total, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(platform, gift_type) DO UPDATE SET
  total = total + excluded.total,
  updated_at = excluded.updated_at;`
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, q, string(e.Platform), e.Gift.GiftType, value, now)
	return errors.Wrap(err, "record gift")
}

// Total returns the accumulated value for one platform across gift types.
func (s *GoalStore) Total(ctx context.Context, p core.Platform) (float64, error) {
	const q = `SELECT COALESCE(SUM(total), 0) FROM goal_totals WHERE platform = ?;`
	var total float64
	if err := s.db.QueryRowContext(ctx, q, string(p)).Scan(&total); err != nil {
		return 0, errors.Wrap(err, "sum totals")
	}
	return total, nil
}

// Totals returns every (platform, giftType) total.
func (s *GoalStore) Totals(ctx context.Context) (map[string]float64, error) {
	const q = `SELECT platform, gift_type, total FROM goal_totals;`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "list totals")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var platform, giftType string
		var total float64
		if err := rows.Scan(&platform, &giftType, &total); err != nil {
			return nil, errors.Wrap(err, "scan total")
		}
		out[platform+"/"+giftType] = total
	}
	return out, errors.Wrap(rows.Err(), "iterate totals")
}

func (s *GoalStore) Ping() error { return s.db.Ping() }

// applyTuningPragmas applies optional SQLite tuning when enabled via the
// STREAMWEAVE_SQLITE_TUNING environment variable.
func applyTuningPragmas(ctx context.Context, db *sql.DB) {
	if os.Getenv("STREAMWEAVE_SQLITE_TUNING") != "1" {
		return
	}

	pragmas := []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, pragma := range pragmas {
		row := db.QueryRowContext(ctx, pragma)
		var value any
		if err := row.Scan(&value); err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Printf("goalstore: pragma %s failed: %v", pragma, err)
		}
	}
}
