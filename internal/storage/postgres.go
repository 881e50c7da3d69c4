package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/grapic/internal/config"
	"github.com/your-org/grapic/internal/embeddings"
	"github.com/your-org/grapic/internal/matcher"
	"github.com/your-org/grapic/internal/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var (
	eventColumns = []string{"id", "name", "description", "access_code", "expires_at",
		"photo_count", "processed_count", "attendee_count", "created_at"}
	photoColumns = []string{"id", "event_id", "filename", "original_name", "file_size", "width", "height",
		"status", "face_count", "processing_time_ms", "retry_count", "error_message",
		"uploaded_at", "started_at", "processed_at"}
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var ev models.Event
	err := row.Scan(&ev.ID, &ev.Name, &ev.Description, &ev.AccessCode, &ev.ExpiresAt,
		&ev.PhotoCount, &ev.ProcessedCount, &ev.AttendeeCount, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func scanPhoto(row rowScanner) (*models.Photo, error) {
	var p models.Photo
	err := row.Scan(&p.ID, &p.EventID, &p.Filename, &p.OriginalName, &p.FileSize, &p.Width, &p.Height,
		&p.Status, &p.FaceCount, &p.ProcessingTimeMs, &p.RetryCount, &p.ErrorMessage,
		&p.UploadedAt, &p.StartedAt, &p.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Events ---

func (s *PostgresStore) CreateEvent(ctx context.Context, ev *models.Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events (id, name, description, access_code, expires_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		ev.ID, ev.Name, ev.Description, ev.AccessCode, ev.ExpiresAt,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *PostgresStore) getEventWhere(ctx context.Context, where sq.Eq) (*models.Event, error) {
	query, args, err := psql.Select(eventColumns...).From("events").Where(where).Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build event query: %w", err)
	}
	ev, err := scanEvent(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("get event: %w", notFound(err))
	}
	return ev, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	return s.getEventWhere(ctx, sq.Eq{"id": id})
}

func (s *PostgresStore) GetEventByCode(ctx context.Context, code string) (*models.Event, error) {
	return s.getEventWhere(ctx, sq.Eq{"access_code": code})
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit, offset int) ([]models.Event, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	query, args, err := psql.Select(eventColumns...).From("events").
		OrderBy("created_at DESC").
		Limit(uint64(pageLimit(limit))).Offset(uint64(max(offset, 0))).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build event list: %w", err)
	}
	events, err := s.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (s *PostgresStore) ListExpiredEvents(ctx context.Context, now time.Time) ([]models.Event, error) {
	query, args, err := psql.Select(eventColumns...).From("events").
		Where(sq.NotEq{"expires_at": nil}).
		Where(sq.LtOrEq{"expires_at": now}).
		OrderBy("expires_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build expired events query: %w", err)
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// DeleteEvent relies on ON DELETE CASCADE for photos, embeddings and matches.
func (s *PostgresStore) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete event: %w", ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) IncrementAttendees(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE events SET attendee_count = attendee_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment attendees: %w", err)
	}
	return nil
}

// --- Photos ---

func (s *PostgresStore) CreatePhoto(ctx context.Context, p *models.Photo) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Status = models.PhotoStatusPending

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create photo: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO photos (id, event_id, filename, original_name, file_size, width, height, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING uploaded_at`,
		p.ID, p.EventID, p.Filename, p.OriginalName, p.FileSize, p.Width, p.Height, p.Status,
	).Scan(&p.UploadedAt)
	if err != nil {
		return fmt.Errorf("create photo: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE events SET photo_count = photo_count + 1 WHERE id = $1`, p.EventID); err != nil {
		return fmt.Errorf("bump photo count: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetPhoto(ctx context.Context, id uuid.UUID) (*models.Photo, error) {
	query, args, err := psql.Select(photoColumns...).From("photos").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build photo query: %w", err)
	}
	p, err := scanPhoto(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("get photo: %w", notFound(err))
	}
	return p, nil
}

func photoWhere(f models.PhotoFilter) sq.And {
	where := sq.And{}
	if f.EventID != uuid.Nil {
		where = append(where, sq.Eq{"event_id": f.EventID})
	}
	if f.Status != "" {
		where = append(where, sq.Eq{"status": f.Status})
	}
	return where
}

func (s *PostgresStore) ListPhotos(ctx context.Context, f models.PhotoFilter) ([]models.Photo, int, error) {
	where := photoWhere(f)

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("photos").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build photo count: %w", err)
	}
	var total int
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count photos: %w", err)
	}

	q := psql.Select(photoColumns...).From("photos").Where(where).OrderBy("uploaded_at", "id")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build photo list: %w", err)
	}
	photos, err := s.queryPhotos(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return photos, total, nil
}

func (s *PostgresStore) queryPhotos(ctx context.Context, query string, args ...any) ([]models.Photo, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}
	defer rows.Close()

	var photos []models.Photo
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("scan photo: %w", err)
		}
		photos = append(photos, *p)
	}
	return photos, rows.Err()
}

func (s *PostgresStore) CountPhotos(ctx context.Context, eventID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM photos WHERE event_id = $1`, eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count photos: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ClaimPhoto(ctx context.Context, id uuid.UUID, now time.Time) (*models.Photo, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("claim photo: %w", err)
	}
	defer tx.Rollback(ctx)

	query, args, err := psql.Select(photoColumns...).From("photos").
		Where(sq.Eq{"id": id}).Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build claim query: %w", err)
	}
	prev, err := scanPhoto(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim photo: %w", err)
	}
	if !prev.Status.Claimable() {
		return prev, false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE photos SET status = $2, started_at = $3, error_message = '' WHERE id = $1`,
		id, models.PhotoStatusProcessing, now)
	if err != nil {
		return nil, false, fmt.Errorf("claim photo: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit claim: %w", err)
	}
	return prev, true, nil
}

// CompletePhoto only transitions photos that are still processing, so a
// late outcome from an abandoned attempt cannot overwrite a newer one.
func (s *PostgresStore) CompletePhoto(ctx context.Context, id uuid.UUID, faces int, elapsed time.Duration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("complete photo: %w", err)
	}
	defer tx.Rollback(ctx)

	var eventID uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE photos SET status = $2, face_count = $3, processing_time_ms = $4,
		        processed_at = NOW(), error_message = ''
		 WHERE id = $1 AND status = $5 RETURNING event_id`,
		id, models.PhotoStatusDone, faces, elapsedMs(elapsed), models.PhotoStatusProcessing,
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("complete photo: %w", notFound(err))
	}
	if _, err := tx.Exec(ctx,
		`UPDATE events SET processed_count = processed_count + 1 WHERE id = $1`, eventID); err != nil {
		return fmt.Errorf("bump processed count: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) FailPhoto(ctx context.Context, id uuid.UUID, msg string, elapsed time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE photos SET status = $2, error_message = $3, processing_time_ms = $4, processed_at = NOW()
		 WHERE id = $1 AND status = $5`,
		id, models.PhotoStatusError, msg, elapsedMs(elapsed), models.PhotoStatusProcessing)
	if err != nil {
		return fmt.Errorf("fail photo: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail photo: %w", ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ClaimRetry(ctx context.Context, id uuid.UUID, expected int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE photos SET retry_count = retry_count + 1
		 WHERE id = $1 AND retry_count = $2 AND status = $3`,
		id, expected, models.PhotoStatusError)
	if err != nil {
		return false, fmt.Errorf("claim retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FailStalePhotos(ctx context.Context, before time.Time) ([]models.Photo, error) {
	query, args, err := psql.Update("photos").
		Set("status", models.PhotoStatusError).
		Set("error_message", "processing abandoned").
		Set("processed_at", sq.Expr("NOW()")).
		Where(sq.Eq{"status": models.PhotoStatusProcessing}).
		Where(sq.Lt{"started_at": before}).
		Suffix("RETURNING " + joinColumns(photoColumns)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stale photo update: %w", err)
	}
	return s.queryPhotos(ctx, query, args...)
}

// DeletePhoto removes the photo and its embeddings and keeps the event
// counters consistent.
func (s *PostgresStore) DeletePhoto(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete photo: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		eventID uuid.UUID
		status  models.PhotoStatus
	)
	err = tx.QueryRow(ctx, `DELETE FROM photos WHERE id = $1 RETURNING event_id, status`, id).Scan(&eventID, &status)
	if err != nil {
		return fmt.Errorf("delete photo: %w", notFound(err))
	}
	processed := 0
	if status == models.PhotoStatusDone {
		processed = 1
	}
	_, err = tx.Exec(ctx,
		`UPDATE events SET photo_count = GREATEST(photo_count - 1, 0),
		        processed_count = GREATEST(processed_count - $2, 0)
		 WHERE id = $1`, eventID, processed)
	if err != nil {
		return fmt.Errorf("adjust event counters: %w", err)
	}
	return tx.Commit(ctx)
}

// --- Face embeddings ---

func (s *PostgresStore) InsertEmbedding(ctx context.Context, e *models.FaceEmbedding) error {
	loc, err := json.Marshal(e.Box)
	if err != nil {
		return fmt.Errorf("encode face location: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO face_embeddings (id, photo_id, event_id, embedding, face_location)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		e.ID, e.PhotoID, e.EventID, pgvector.NewVector(e.Vector), loc,
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEmbeddings(ctx context.Context, eventID uuid.UUID) ([]models.FaceEmbedding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, photo_id, event_id, embedding, face_location, created_at
		 FROM face_embeddings WHERE event_id = $1 ORDER BY created_at, id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var out []models.FaceEmbedding
	for rows.Next() {
		var (
			e   models.FaceEmbedding
			vec pgvector.Vector
			loc []byte
		)
		if err := rows.Scan(&e.ID, &e.PhotoID, &e.EventID, &vec, &loc, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		if err := json.Unmarshal(loc, &e.Box); err != nil {
			return nil, fmt.Errorf("decode face location: %w", err)
		}
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EmbeddingStamp(ctx context.Context, eventID uuid.UUID) (embeddings.Stamp, error) {
	var (
		st     embeddings.Stamp
		latest *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), max(created_at) FROM face_embeddings WHERE event_id = $1`, eventID,
	).Scan(&st.Count, &latest)
	if err != nil {
		return embeddings.Stamp{}, fmt.Errorf("embedding stamp: %w", err)
	}
	if latest != nil {
		st.Latest = *latest
	}
	return st, nil
}

func (s *PostgresStore) DeleteEmbeddingsByPhoto(ctx context.Context, photoID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM face_embeddings WHERE photo_id = $1`, photoID); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteEmbeddingsByEvent(ctx context.Context, eventID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM face_embeddings WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

// SearchEmbeddings finds the closest faces of an event through the ivfflat
// index. Rows come back per face; callers collapse them per photo.
func (s *PostgresStore) SearchEmbeddings(ctx context.Context, eventID uuid.UUID, query []float32, threshold float64, limit int) ([]matcher.Match, error) {
	vec := pgvector.NewVector(query)
	rows, err := s.pool.Query(ctx, `
		SELECT photo_id, id, 1 - (embedding <=> $1) AS similarity
		FROM face_embeddings
		WHERE event_id = $2
		  AND vector_norm(embedding) > 0
		  AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1, created_at
		LIMIT $4`,
		vec, eventID, threshold, limit*3)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	defer rows.Close()

	var matches []matcher.Match
	for rows.Next() {
		var m matcher.Match
		if err := rows.Scan(&m.PhotoID, &m.EmbeddingID, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan search match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// --- Match log ---

func (s *PostgresStore) InsertMatch(ctx context.Context, m *models.MatchRecord) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO match_history (id, event_id, photo_id, similarity, threshold_used, user_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING match_timestamp`,
		m.ID, m.EventID, m.PhotoID, m.Similarity, m.Threshold, m.UserID,
	).Scan(&m.MatchedAt)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMatchSimilarities(ctx context.Context, eventID uuid.UUID) ([]float64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT similarity FROM match_history WHERE event_id = $1 ORDER BY match_timestamp`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list match similarities: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan similarity: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
