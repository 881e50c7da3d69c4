package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/your-org/grapic/internal/embeddings"
	"github.com/your-org/grapic/internal/models"
)

type eventRow struct {
	ID             string `gorm:"primaryKey"`
	Name           string `gorm:"not null"`
	Description    string
	AccessCode     string `gorm:"uniqueIndex;not null"`
	ExpiresAt      *time.Time
	PhotoCount     int
	ProcessedCount int
	AttendeeCount  int
	CreatedAt      time.Time
}

func (eventRow) TableName() string { return "events" }

type photoRow struct {
	ID               string `gorm:"primaryKey"`
	EventID          string `gorm:"index;not null"`
	Filename         string `gorm:"not null"`
	OriginalName     string
	FileSize         int64
	Width            int
	Height           int
	Status           string `gorm:"index;not null;default:pending"`
	FaceCount        int
	ProcessingTimeMs *int64
	RetryCount       int
	ErrorMessage     string
	UploadedAt       time.Time
	StartedAt        *time.Time
	ProcessedAt      *time.Time
}

func (photoRow) TableName() string { return "photos" }

// embeddingRow stores the vector as a JSON array; SQLite has no vector type.
type embeddingRow struct {
	ID           string `gorm:"primaryKey"`
	PhotoID      string `gorm:"index;not null"`
	EventID      string `gorm:"index;not null"`
	Embedding    string `gorm:"not null"`
	FaceLocation string `gorm:"not null"`
	CreatedAt    time.Time
	Seq          int64 `gorm:"index"`
}

func (embeddingRow) TableName() string { return "face_embeddings" }

// SQLiteStore is the embedded single-node record backend. It keeps no match log.
type SQLiteStore struct {
	db *gorm.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB from gorm: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&eventRow{}, &photoRow{}, &embeddingRow{}); err != nil {
		return nil, fmt.Errorf("sqlite automigrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func gormNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func toEventRow(ev *models.Event) eventRow {
	var expires *time.Time
	if ev.ExpiresAt != nil {
		t := ev.ExpiresAt.UTC()
		expires = &t
	}
	return eventRow{
		ID: ev.ID.String(), Name: ev.Name, Description: ev.Description, AccessCode: ev.AccessCode,
		ExpiresAt: expires, PhotoCount: ev.PhotoCount, ProcessedCount: ev.ProcessedCount,
		AttendeeCount: ev.AttendeeCount, CreatedAt: ev.CreatedAt,
	}
}

func (r eventRow) model() models.Event {
	return models.Event{
		ID: uuid.MustParse(r.ID), Name: r.Name, Description: r.Description, AccessCode: r.AccessCode,
		ExpiresAt: r.ExpiresAt, PhotoCount: r.PhotoCount, ProcessedCount: r.ProcessedCount,
		AttendeeCount: r.AttendeeCount, CreatedAt: r.CreatedAt,
	}
}

func (r photoRow) model() models.Photo {
	return models.Photo{
		ID: uuid.MustParse(r.ID), EventID: uuid.MustParse(r.EventID),
		Filename: r.Filename, OriginalName: r.OriginalName, FileSize: r.FileSize,
		Width: r.Width, Height: r.Height, Status: models.PhotoStatus(r.Status),
		FaceCount: r.FaceCount, ProcessingTimeMs: r.ProcessingTimeMs, RetryCount: r.RetryCount,
		ErrorMessage: r.ErrorMessage, UploadedAt: r.UploadedAt,
		StartedAt: r.StartedAt, ProcessedAt: r.ProcessedAt,
	}
}

func photoModels(rows []photoRow) []models.Photo {
	out := make([]models.Photo, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out
}

// --- Events ---

func (s *SQLiteStore) CreateEvent(ctx context.Context, ev *models.Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	row := toEventRow(ev)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var row eventRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id.String()).Error; err != nil {
		return nil, fmt.Errorf("get event: %w", gormNotFound(err))
	}
	ev := row.model()
	return &ev, nil
}

func (s *SQLiteStore) GetEventByCode(ctx context.Context, code string) (*models.Event, error) {
	var row eventRow
	if err := s.db.WithContext(ctx).First(&row, "access_code = ?", code).Error; err != nil {
		return nil, fmt.Errorf("get event: %w", gormNotFound(err))
	}
	ev := row.model()
	return &ev, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, limit, offset int) ([]models.Event, int, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}
	var rows []eventRow
	err := s.db.WithContext(ctx).Order("created_at DESC").
		Limit(pageLimit(limit)).Offset(max(offset, 0)).Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	events := make([]models.Event, len(rows))
	for i, r := range rows {
		events[i] = r.model()
	}
	return events, int(total), nil
}

func (s *SQLiteStore) ListExpiredEvents(ctx context.Context, now time.Time) ([]models.Event, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).
		Order("expires_at").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list expired events: %w", err)
	}
	events := make([]models.Event, len(rows))
	for i, r := range rows {
		events[i] = r.model()
	}
	return events, nil
}

func (s *SQLiteStore) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&eventRow{}, "id = ?", id.String())
		if res.Error != nil {
			return fmt.Errorf("delete event: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("delete event: %w", ErrNotFound)
		}
		if err := tx.Delete(&embeddingRow{}, "event_id = ?", id.String()).Error; err != nil {
			return fmt.Errorf("delete event embeddings: %w", err)
		}
		if err := tx.Delete(&photoRow{}, "event_id = ?", id.String()).Error; err != nil {
			return fmt.Errorf("delete event photos: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) IncrementAttendees(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Model(&eventRow{}).Where("id = ?", id.String()).
		UpdateColumn("attendee_count", gorm.Expr("attendee_count + 1")).Error
	if err != nil {
		return fmt.Errorf("increment attendees: %w", err)
	}
	return nil
}

// --- Photos ---

func (s *SQLiteStore) CreatePhoto(ctx context.Context, p *models.Photo) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Status = models.PhotoStatusPending
	p.UploadedAt = time.Now()
	row := photoRow{
		ID: p.ID.String(), EventID: p.EventID.String(), Filename: p.Filename,
		OriginalName: p.OriginalName, FileSize: p.FileSize, Width: p.Width, Height: p.Height,
		Status: string(p.Status), UploadedAt: p.UploadedAt,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&eventRow{}).Where("id = ?", row.EventID).
			UpdateColumn("photo_count", gorm.Expr("photo_count + 1"))
		if res.Error != nil {
			return fmt.Errorf("bump photo count: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("create photo: event %s: %w", p.EventID, ErrNotFound)
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create photo: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetPhoto(ctx context.Context, id uuid.UUID) (*models.Photo, error) {
	var row photoRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id.String()).Error; err != nil {
		return nil, fmt.Errorf("get photo: %w", gormNotFound(err))
	}
	p := row.model()
	return &p, nil
}

func (s *SQLiteStore) photoQuery(ctx context.Context, f models.PhotoFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&photoRow{})
	if f.EventID != uuid.Nil {
		q = q.Where("event_id = ?", f.EventID.String())
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	return q
}

func (s *SQLiteStore) ListPhotos(ctx context.Context, f models.PhotoFilter) ([]models.Photo, int, error) {
	var total int64
	if err := s.photoQuery(ctx, f).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count photos: %w", err)
	}
	q := s.photoQuery(ctx, f).Order("uploaded_at, id")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []photoRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list photos: %w", err)
	}
	return photoModels(rows), int(total), nil
}

func (s *SQLiteStore) CountPhotos(ctx context.Context, eventID uuid.UUID) (int, error) {
	var n int64
	if err := s.photoQuery(ctx, models.PhotoFilter{EventID: eventID}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count photos: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) ClaimPhoto(ctx context.Context, id uuid.UUID, now time.Time) (*models.Photo, bool, error) {
	var (
		prev    *models.Photo
		claimed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row photoRow
		if err := tx.First(&row, "id = ?", id.String()).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		p := row.model()
		prev = &p
		if !p.Status.Claimable() {
			return nil
		}
		res := tx.Model(&photoRow{}).
			Where("id = ? AND status IN ?", row.ID, []string{string(models.PhotoStatusPending), string(models.PhotoStatusError)}).
			Updates(map[string]any{"status": string(models.PhotoStatusProcessing), "started_at": now.UTC(), "error_message": ""})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("claim photo: %w", err)
	}
	return prev, claimed, nil
}

func (s *SQLiteStore) CompletePhoto(ctx context.Context, id uuid.UUID, faces int, elapsed time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row photoRow
		if err := tx.First(&row, "id = ? AND status = ?", id.String(), string(models.PhotoStatusProcessing)).Error; err != nil {
			return fmt.Errorf("complete photo: %w", gormNotFound(err))
		}
		err := tx.Model(&photoRow{}).Where("id = ?", row.ID).Updates(map[string]any{
			"status":             string(models.PhotoStatusDone),
			"face_count":         faces,
			"processing_time_ms": elapsedMs(elapsed),
			"processed_at":       time.Now(),
			"error_message":      "",
		}).Error
		if err != nil {
			return fmt.Errorf("complete photo: %w", err)
		}
		err = tx.Model(&eventRow{}).Where("id = ?", row.EventID).
			UpdateColumn("processed_count", gorm.Expr("processed_count + 1")).Error
		if err != nil {
			return fmt.Errorf("bump processed count: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) FailPhoto(ctx context.Context, id uuid.UUID, msg string, elapsed time.Duration) error {
	res := s.db.WithContext(ctx).Model(&photoRow{}).
		Where("id = ? AND status = ?", id.String(), string(models.PhotoStatusProcessing)).
		Updates(map[string]any{
			"status":             string(models.PhotoStatusError),
			"error_message":      msg,
			"processing_time_ms": elapsedMs(elapsed),
			"processed_at":       time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("fail photo: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("fail photo: %w", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ClaimRetry(ctx context.Context, id uuid.UUID, expected int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&photoRow{}).
		Where("id = ? AND retry_count = ? AND status = ?", id.String(), expected, string(models.PhotoStatusError)).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("claim retry: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLiteStore) FailStalePhotos(ctx context.Context, before time.Time) ([]models.Photo, error) {
	var stale []photoRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND started_at < ?", string(models.PhotoStatusProcessing), before.UTC()).
			Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]string, len(stale))
		for i, r := range stale {
			ids[i] = r.ID
		}
		now := time.Now()
		for i := range stale {
			stale[i].Status = string(models.PhotoStatusError)
			stale[i].ErrorMessage = "processing abandoned"
			stale[i].ProcessedAt = &now
		}
		return tx.Model(&photoRow{}).Where("id IN ?", ids).Updates(map[string]any{
			"status":        string(models.PhotoStatusError),
			"error_message": "processing abandoned",
			"processed_at":  now,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("fail stale photos: %w", err)
	}
	return photoModels(stale), nil
}

func (s *SQLiteStore) DeletePhoto(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row photoRow
		if err := tx.First(&row, "id = ?", id.String()).Error; err != nil {
			return fmt.Errorf("delete photo: %w", gormNotFound(err))
		}
		if err := tx.Delete(&embeddingRow{}, "photo_id = ?", row.ID).Error; err != nil {
			return fmt.Errorf("delete photo embeddings: %w", err)
		}
		if err := tx.Delete(&photoRow{}, "id = ?", row.ID).Error; err != nil {
			return fmt.Errorf("delete photo: %w", err)
		}
		updates := map[string]any{"photo_count": gorm.Expr("MAX(photo_count - 1, 0)")}
		if models.PhotoStatus(row.Status) == models.PhotoStatusDone {
			updates["processed_count"] = gorm.Expr("MAX(processed_count - 1, 0)")
		}
		return tx.Model(&eventRow{}).Where("id = ?", row.EventID).UpdateColumns(updates).Error
	})
}

// --- Face embeddings ---

func (s *SQLiteStore) InsertEmbedding(ctx context.Context, e *models.FaceEmbedding) error {
	vec, err := json.Marshal(e.Vector)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	loc, err := json.Marshal(e.Box)
	if err != nil {
		return fmt.Errorf("encode face location: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	row := embeddingRow{
		ID: e.ID.String(), PhotoID: e.PhotoID.String(), EventID: e.EventID.String(),
		Embedding: string(vec), FaceLocation: string(loc), CreatedAt: e.CreatedAt,
		Seq: e.CreatedAt.UnixNano(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEmbeddings(ctx context.Context, eventID uuid.UUID) ([]models.FaceEmbedding, error) {
	var rows []embeddingRow
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID.String()).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	out := make([]models.FaceEmbedding, len(rows))
	for i, r := range rows {
		e := models.FaceEmbedding{
			ID: uuid.MustParse(r.ID), PhotoID: uuid.MustParse(r.PhotoID), EventID: uuid.MustParse(r.EventID),
			CreatedAt: r.CreatedAt,
		}
		if err := json.Unmarshal([]byte(r.Embedding), &e.Vector); err != nil {
			return nil, fmt.Errorf("decode embedding %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(r.FaceLocation), &e.Box); err != nil {
			return nil, fmt.Errorf("decode face location %s: %w", r.ID, err)
		}
		out[i] = e
	}
	return out, nil
}

// EmbeddingStamp reads the newest seq, which is the creation time in
// nanoseconds.
func (s *SQLiteStore) EmbeddingStamp(ctx context.Context, eventID uuid.UUID) (embeddings.Stamp, error) {
	var count, latest int64
	row := s.db.WithContext(ctx).Model(&embeddingRow{}).
		Where("event_id = ?", eventID.String()).
		Select("COUNT(*), COALESCE(MAX(seq), 0)").Row()
	if err := row.Scan(&count, &latest); err != nil {
		return embeddings.Stamp{}, fmt.Errorf("embedding stamp: %w", err)
	}
	st := embeddings.Stamp{Count: count}
	if count > 0 {
		st.Latest = time.Unix(0, latest)
	}
	return st, nil
}

func (s *SQLiteStore) DeleteEmbeddingsByPhoto(ctx context.Context, photoID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Delete(&embeddingRow{}, "photo_id = ?", photoID.String()).Error; err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteEmbeddingsByEvent(ctx context.Context, eventID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Delete(&embeddingRow{}, "event_id = ?", eventID.String()).Error; err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertMatch(context.Context, *models.MatchRecord) error {
	return ErrNoMatchLog
}

func (s *SQLiteStore) ListMatchSimilarities(context.Context, uuid.UUID) ([]float64, error) {
	return nil, ErrNoMatchLog
}
