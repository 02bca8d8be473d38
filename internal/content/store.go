package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	dbconfig "duasync/pkg/database"
	"duasync/pkg/interfaces"
	"duasync/pkg/types"
)

// Item is one catalog entry together with its units, as written by the
// importer
type Item struct {
	Metadata types.ContentMetadata
	Position int
	Units    []types.ContentUnit
}

// Validate checks the fields the schema cannot express
func (it Item) Validate() error {
	if it.Metadata.Type != types.ContentTypeQuran && it.Metadata.Type != types.ContentTypeDua {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidItem, it.Metadata.Type)
	}
	if it.Metadata.ID == "" || it.Metadata.Title == "" {
		return fmt.Errorf("%w: id and title are required", ErrInvalidItem)
	}
	return nil
}

// Store is the SQLite-backed content catalog. Reads run concurrently on the
// pool; writes are serialized through one goroutine.
type Store struct {
	db           *sql.DB
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	retryDelay   time.Duration
	writeTimeout time.Duration
}

var _ interfaces.ContentCatalog = (*Store)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewStore opens the database, applies the embedded schema and starts the
// writer goroutine
func NewStore(cfg *dbconfig.Config) (*Store, error) {
	db, err := dbconfig.Open(cfg)
	if err != nil {
		return nil, err
	}

	migrations := dbconfig.NewMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("content schema invalid: %w", err)
	}

	s := &Store{
		db:           db,
		writeChannel: make(chan writeOperation, 16),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
		writeTimeout: 30 * time.Second,
	}

	// ARCHITECTURAL DISCOVERY: a single writer avoids SQLITE_BUSY between
	// concurrent imports
	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil && !errors.Is(err, ErrInvalidItem) {
				log.Warn().Err(err).Dur("retry_in", s.retryDelay).Msg("content write failed, retrying")
				time.Sleep(s.retryDelay)
				err = op.operation(s.db)
				if err != nil {
					log.Error().Err(err).Msg("content write failed after retry")
				}
			}
			op.result <- err

		case <-s.shutdown:
			log.Debug().Msg("content write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write and waits for its result
func (s *Store) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(s.writeTimeout)
	defer timer.Stop()

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return ErrStoreShutdown
	}

	select {
	case err := <-result:
		return err
	case <-s.shutdown:
		return ErrStoreShutdown
	}
}

// ReplaceItems writes items in one transaction. An existing item with the
// same (type, id) is deleted first, units included.
func (s *Store) ReplaceItems(ctx context.Context, items []Item) error {
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return err
		}
	}

	return s.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		deleteItem, err := tx.PrepareContext(ctx,
			`DELETE FROM content_items WHERE content_type = ? AND content_id = ?`)
		if err != nil {
			return err
		}
		defer func() { _ = deleteItem.Close() }()

		insertItem, err := tx.PrepareContext(ctx, `
			INSERT INTO content_items (content_type, content_id, title, arabic_title, total_units, position)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = insertItem.Close() }()

		insertUnit, err := tx.PrepareContext(ctx, `
			INSERT INTO content_units (content_type, content_id, unit_index, arabic, transliteration, translation)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = insertUnit.Close() }()

		for _, it := range items {
			m := it.Metadata
			if _, err := deleteItem.ExecContext(ctx, m.Type, m.ID); err != nil {
				return fmt.Errorf("failed to delete %s/%s: %w", m.Type, m.ID, err)
			}

			total := m.TotalUnits
			if len(it.Units) > 0 {
				total = len(it.Units)
			}
			if _, err := insertItem.ExecContext(ctx, m.Type, m.ID, m.Title, m.ArabicTitle, total, it.Position); err != nil {
				return fmt.Errorf("failed to insert %s/%s: %w", m.Type, m.ID, err)
			}

			for i, u := range it.Units {
				number := u.Number
				if number <= 0 {
					number = i + 1
				}
				if _, err := insertUnit.ExecContext(ctx, m.Type, m.ID, number, u.Arabic, u.Transliteration, u.Translation); err != nil {
					return fmt.Errorf("failed to insert unit %d of %s/%s: %w", number, m.Type, m.ID, err)
				}
			}
		}

		return tx.Commit()
	})
}

// Metadata lists items of contentType ordered by position, or every item
// when contentType is empty
func (s *Store) Metadata(ctx context.Context, contentType string) ([]types.ContentMetadata, error) {
	query := `
		SELECT content_type, content_id, title, arabic_title, total_units
		FROM content_items`
	var args []any
	if contentType != "" {
		query += ` WHERE content_type = ?`
		args = append(args, contentType)
	}
	query += ` ORDER BY content_type, position, content_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query content metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []types.ContentMetadata{}
	for rows.Next() {
		var m types.ContentMetadata
		if err := rows.Scan(&m.Type, &m.ID, &m.Title, &m.ArabicTitle, &m.TotalUnits); err != nil {
			return nil, fmt.Errorf("failed to scan content row: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating content rows: %w", err)
	}
	return items, nil
}

// Body returns one item with its units in order
func (s *Store) Body(ctx context.Context, contentType, contentID string) (*types.ContentBody, error) {
	body := &types.ContentBody{}
	err := s.db.QueryRowContext(ctx, `
		SELECT content_type, content_id, title, arabic_title, total_units
		FROM content_items
		WHERE content_type = ? AND content_id = ?`,
		contentType, contentID,
	).Scan(&body.Type, &body.ID, &body.Title, &body.ArabicTitle, &body.TotalUnits)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to query content item: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT unit_index, arabic, transliteration, translation
		FROM content_units
		WHERE content_type = ? AND content_id = ?
		ORDER BY unit_index`,
		contentType, contentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query content units: %w", err)
	}
	defer func() { _ = rows.Close() }()

	body.Units = []types.ContentUnit{}
	for rows.Next() {
		var u types.ContentUnit
		if err := rows.Scan(&u.Number, &u.Arabic, &u.Transliteration, &u.Translation); err != nil {
			return nil, fmt.Errorf("failed to scan content unit: %w", err)
		}
		body.Units = append(body.Units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating content units: %w", err)
	}
	return body, nil
}

// TotalUnits returns the unit count of one item
func (s *Store) TotalUnits(ctx context.Context, contentType, contentID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT total_units FROM content_items WHERE content_type = ? AND content_id = ?`,
		contentType, contentID,
	).Scan(&total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, interfaces.ErrContentNotFound
		}
		return 0, fmt.Errorf("failed to query total units: %w", err)
	}
	return total, nil
}

// Count returns how many items of contentType are stored; empty counts all
func (s *Store) Count(ctx context.Context, contentType string) (int, error) {
	query := `SELECT COUNT(*) FROM content_items`
	var args []any
	if contentType != "" {
		query += ` WHERE content_type = ?`
		args = append(args, contentType)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count content: %w", err)
	}
	return n, nil
}

// HealthCheck validates database connectivity
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM content_items").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB exposes the pool for schema checks in tests and tooling
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close stops the writer and closes the pool; repeated calls are no-ops
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
