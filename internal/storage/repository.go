package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flip-sentinel/internal/models"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertEventSQL = `INSERT INTO flip_events (
        player_id,
        auction_id,
        type,
        timestamp
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (auction_id, player_id, type) DO NOTHING;`

	eventsByAuctionPlayersSQL = `SELECT
        player_id, auction_id, type, timestamp
    FROM flip_events
    WHERE auction_id = ANY($1)
      AND player_id = ANY($2);`

	soldEventsSQL = `SELECT
        player_id, auction_id, type, timestamp
    FROM flip_events
    WHERE type = $1
      AND player_id = ANY($2)
      AND timestamp > $3
      AND timestamp <= $4
    ORDER BY timestamp;`

	receiveEventsForAuctionsSQL = `SELECT
        player_id, auction_id, type, timestamp
    FROM flip_events
    WHERE type = $1
      AND auction_id = ANY($2)
    ORDER BY timestamp;`

	receiveEventsForAuctionsPlayersSQL = `SELECT
        player_id, auction_id, type, timestamp
    FROM flip_events
    WHERE type = $1
      AND auction_id = ANY($2)
      AND player_id = ANY($3)
    ORDER BY timestamp;`

	clickEventsForAuctionsSQL = `SELECT
        player_id, auction_id, type, timestamp
    FROM flip_events
    WHERE type = $1
      AND auction_id = ANY($2)
      AND timestamp >= $3
      AND timestamp < $4
    ORDER BY timestamp;`

	eventsForAuctionSQL = `SELECT
        player_id, auction_id, type, timestamp
    FROM flip_events
    WHERE auction_id = $1
    ORDER BY timestamp;`

	insertFlipSQL = `INSERT INTO flips (
        auction_id,
        finder_type,
        target_price,
        timestamp
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (auction_id, finder_type) DO NOTHING;`

	existingAuctionIDsSQL = `SELECT DISTINCT auction_id
    FROM flips
    WHERE auction_id = ANY($1);`

	tfmAuctionIDsSQL = `SELECT DISTINCT auction_id
    FROM flips
    WHERE auction_id = ANY($1)
      AND finder_type = $2;`

	flipsByFinderSQL = `SELECT
        auction_id, finder_type, target_price, timestamp
    FROM flips
    WHERE finder_type = $1
      AND timestamp >= $2
      AND timestamp < $3
    ORDER BY timestamp;`

	flipIDsByFinderSQL = `SELECT auction_id
    FROM flips
    WHERE finder_type = $1
      AND timestamp >= $2
      AND timestamp < $3
    ORDER BY timestamp;`

	recentFlipsSQL = `SELECT
        auction_id, finder_type, target_price, timestamp
    FROM flips
    ORDER BY timestamp DESC
    LIMIT $1;`

	countFlipsSQL = `SELECT COUNT(*) FROM flips;`
)

// EventStore defines the ingestion-facing event operations.
type EventStore interface {
	InsertEvents(ctx context.Context, events []models.FlipEvent) error
	EventsByAuctionPlayers(ctx context.Context, auctionIDs, playerIDs []int64) ([]models.FlipEvent, error)
}

// EventQuerier defines the detection-facing event reads. Reads are plain
// snapshot reads; a partially ingested window only ever yields fewer rows.
type EventQuerier interface {
	SoldEvents(ctx context.Context, playerIDs []int64, from, to time.Time) ([]models.FlipEvent, error)
	ReceiveEventsForAuctions(ctx context.Context, auctionIDs []int64) ([]models.FlipEvent, error)
	ReceiveEventsForAuctionsPlayers(ctx context.Context, auctionIDs, playerIDs []int64) ([]models.FlipEvent, error)
	ClickEventsForAuctions(ctx context.Context, auctionIDs []int64, from, to time.Time) ([]models.FlipEvent, error)
	EventsForAuction(ctx context.Context, auctionID int64) ([]models.FlipEvent, error)
}

// FlipStore defines flip persistence and lookups.
type FlipStore interface {
	// InsertFlips inserts every flip whose auction id is not already stored,
	// inside a single transaction, and reports the auction ids that were
	// already present. The unique index backstops concurrent writers.
	InsertFlips(ctx context.Context, flips []models.Flip) (map[int64]bool, error)
	TFMAuctionIDs(ctx context.Context, auctionIDs []int64) (map[int64]bool, error)
	FlipsByFinder(ctx context.Context, finder models.FinderType, from, to time.Time) ([]models.Flip, error)
	FlipIDsByFinder(ctx context.Context, finder models.FinderType, from, to time.Time) ([]int64, error)
	RecentFlips(ctx context.Context, limit int) ([]models.Flip, error)
	CountFlips(ctx context.Context) (int64, error)
}

// Store aggregates access to flips and flip events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertEvents persists a batch of events, relying on the unique triple to
// swallow replays.
func (s *Store) InsertEvents(ctx context.Context, events []models.FlipEvent) error {
	if len(events) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(insertEventSQL, event.PlayerID, event.AuctionID, int16(event.Type), event.Timestamp)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("insert flip event: %w", execErr)
		}
	}
	return nil
}

// EventsByAuctionPlayers loads events intersecting the given auction and
// player id sets.
func (s *Store) EventsByAuctionPlayers(ctx context.Context, auctionIDs, playerIDs []int64) ([]models.FlipEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, eventsByAuctionPlayersSQL, auctionIDs, playerIDs)
	if queryErr != nil {
		return nil, fmt.Errorf("events by auction/player: %w", queryErr)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// SoldEvents lists AUCTION_SOLD events for the players inside (from, to].
func (s *Store) SoldEvents(ctx context.Context, playerIDs []int64, from, to time.Time) ([]models.FlipEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, soldEventsSQL, int16(models.EventAuctionSold), playerIDs, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("sold events: %w", queryErr)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ReceiveEventsForAuctions lists FLIP_RECEIVE events for the auctions, any
// player.
func (s *Store) ReceiveEventsForAuctions(ctx context.Context, auctionIDs []int64) ([]models.FlipEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, receiveEventsForAuctionsSQL, int16(models.EventFlipReceive), auctionIDs)
	if queryErr != nil {
		return nil, fmt.Errorf("receive events for auctions: %w", queryErr)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ReceiveEventsForAuctionsPlayers restricts the receive lookup to a player set.
func (s *Store) ReceiveEventsForAuctionsPlayers(ctx context.Context, auctionIDs, playerIDs []int64) ([]models.FlipEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, receiveEventsForAuctionsPlayersSQL, int16(models.EventFlipReceive), auctionIDs, playerIDs)
	if queryErr != nil {
		return nil, fmt.Errorf("receive events for auctions/players: %w", queryErr)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ClickEventsForAuctions lists FLIP_CLICK events for the auctions inside
// [from, to).
func (s *Store) ClickEventsForAuctions(ctx context.Context, auctionIDs []int64, from, to time.Time) ([]models.FlipEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, clickEventsForAuctionsSQL, int16(models.EventFlipClick), auctionIDs, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("click events for auctions: %w", queryErr)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsForAuction lists every event on one auction in timestamp order.
func (s *Store) EventsForAuction(ctx context.Context, auctionID int64) ([]models.FlipEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, eventsForAuctionSQL, auctionID)
	if queryErr != nil {
		return nil, fmt.Errorf("events for auction: %w", queryErr)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// InsertFlips implements FlipStore.
func (s *Store) InsertFlips(ctx context.Context, flips []models.Flip) (map[int64]bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(flips))
	for _, flip := range flips {
		ids = append(ids, flip.AuctionID)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin flips tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := auctionIDSet(ctx, tx, existingAuctionIDsSQL, ids)
	if err != nil {
		return nil, err
	}

	batch := &pgx.Batch{}
	queued := 0
	for _, flip := range flips {
		if existing[flip.AuctionID] {
			continue
		}
		batch.Queue(insertFlipSQL, flip.AuctionID, int16(flip.FinderType), flip.TargetPrice, flip.Timestamp)
		queued++
	}

	if queued > 0 {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < queued; i++ {
			if _, execErr := results.Exec(); execErr != nil {
				results.Close()
				return nil, fmt.Errorf("insert flip: %w", execErr)
			}
		}
		if closeErr := results.Close(); closeErr != nil {
			return nil, fmt.Errorf("close flip batch: %w", closeErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit flips tx: %w", err)
	}
	return existing, nil
}

// TFMAuctionIDs reports which of the given auctions carry a TFM-finder flip.
func (s *Store) TFMAuctionIDs(ctx context.Context, auctionIDs []int64) (map[int64]bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, tfmAuctionIDsSQL, auctionIDs, int16(models.FinderTFM))
	if queryErr != nil {
		return nil, fmt.Errorf("tfm auction ids: %w", queryErr)
	}
	defer rows.Close()

	return scanIDSet(rows)
}

// FlipsByFinder lists flips produced by one finder inside [from, to).
func (s *Store) FlipsByFinder(ctx context.Context, finder models.FinderType, from, to time.Time) ([]models.Flip, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, flipsByFinderSQL, int16(finder), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("flips by finder: %w", queryErr)
	}
	defer rows.Close()

	return scanFlips(rows)
}

// FlipIDsByFinder lists only the auction ids of flips produced by one finder
// inside [from, to), for piping into other tooling.
func (s *Store) FlipIDsByFinder(ctx context.Context, finder models.FinderType, from, to time.Time) ([]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, flipIDsByFinderSQL, int16(finder), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("flip ids by finder: %w", queryErr)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

// RecentFlips lists the most recently discovered flips.
func (s *Store) RecentFlips(ctx context.Context, limit int) ([]models.Flip, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, recentFlipsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("recent flips: %w", queryErr)
	}
	defer rows.Close()

	return scanFlips(rows)
}

// CountFlips counts stored flips.
func (s *Store) CountFlips(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countFlipsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count flips: %w", scanErr)
	}
	return count, nil
}

func auctionIDSet(ctx context.Context, tx pgx.Tx, sql string, ids []int64) (map[int64]bool, error) {
	rows, err := tx.Query(ctx, sql, ids)
	if err != nil {
		return nil, fmt.Errorf("load auction id set: %w", err)
	}
	defer rows.Close()
	return scanIDSet(rows)
}

func scanIDSet(rows pgx.Rows) (map[int64]bool, error) {
	set := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = true
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return set, nil
}

func scanEvents(rows pgx.Rows) ([]models.FlipEvent, error) {
	events := make([]models.FlipEvent, 0)
	for rows.Next() {
		var (
			event models.FlipEvent
			typ   int16
		)
		if err := rows.Scan(&event.PlayerID, &event.AuctionID, &typ, &event.Timestamp); err != nil {
			return nil, err
		}
		event.Type = models.FlipEventType(typ)
		events = append(events, event)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func scanFlips(rows pgx.Rows) ([]models.Flip, error) {
	flips := make([]models.Flip, 0)
	for rows.Next() {
		var (
			flip   models.Flip
			finder int16
		)
		if err := rows.Scan(&flip.AuctionID, &finder, &flip.TargetPrice, &flip.Timestamp); err != nil {
			return nil, err
		}
		flip.FinderType = models.FinderType(finder)
		flips = append(flips, flip)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return flips, nil
}

var (
	_ EventStore   = (*Store)(nil)
	_ EventQuerier = (*Store)(nil)
	_ FlipStore    = (*Store)(nil)
)
