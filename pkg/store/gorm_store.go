package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"groundchat/pkg/domain"
)

const migrateLockID int64 = 51127703

type GormStoreOptions struct {
	Logger        *slog.Logger
	SlowThreshold time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithLogger routes GORM warnings and slow queries to logger.
func WithLogger(logger *slog.Logger) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Logger = logger
	}
}

// WithSlowThreshold sets the duration above which queries are logged.
func WithSlowThreshold(d time.Duration) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.SlowThreshold = d
	}
}

// GormStore implements Store on Postgres or SQLite through GORM.
type GormStore struct {
	db       *gorm.DB
	postgres bool
}

// Dialector picks the GORM driver for dsn. postgres:// URLs and key=value
// DSNs go to Postgres; sqlite://, file: and :memory: go to SQLite.
func Dialector(dsn string) (gorm.Dialector, bool, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, false, fmt.Errorf("%w: database dsn required", domain.ErrInvalidConfiguration)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"), strings.Contains(dsn, "host="):
		return postgres.Open(dsn), true, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), false, nil
	case strings.HasPrefix(dsn, "file:"), dsn == ":memory:":
		return sqlite.Open(dsn), false, nil
	default:
		return nil, false, fmt.Errorf("%w: unrecognised database dsn", domain.ErrInvalidConfiguration)
	}
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{SlowThreshold: time.Second}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	dialector, isPostgres, err := Dialector(dsn)
	if err != nil {
		return nil, err
	}
	gormLog := gormlogger.New(
		slogWriter{logger: opts.Logger.With("component", "gorm")},
		gormlogger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ChatModel{}, &MessageModel{}, &DocumentModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if isPostgres {
		err = WithMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db, postgres: isPostgres}, nil
}

// DB exposes the connection so other components can share the pool.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Postgres reports whether the store runs on Postgres.
func (s *GormStore) Postgres() bool {
	return s.postgres
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithMigrationLock serializes migrations across instances with a Postgres
// advisory lock.
func WithMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// chats

func (s *GormStore) CreateChat(ctx context.Context, chat domain.Chat) error {
	model := chatToModel(chat)
	return wrapPersistence(s.db.WithContext(ctx).Create(&model).Error)
}

func (s *GormStore) GetChat(ctx context.Context, id string) (domain.Chat, bool, error) {
	var model ChatModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, wrapPersistence(err)
	}
	return chatFromModel(model), true, nil
}

func (s *GormStore) ChatExists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ChatModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, wrapPersistence(err)
	}
	return count > 0, nil
}

func (s *GormStore) ListChatsByOwner(ctx context.Context, ownerID string) ([]domain.Chat, error) {
	var models []ChatModel
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&models).Error; err != nil {
		return nil, wrapPersistence(err)
	}
	chats := make([]domain.Chat, 0, len(models))
	for _, m := range models {
		chats = append(chats, chatFromModel(m))
	}
	return chats, nil
}

func (s *GormStore) SetChatTitle(ctx context.Context, id, title string) error {
	res := s.db.WithContext(ctx).Model(&ChatModel{}).Where("id = ?", id).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return wrapPersistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrChatNotFound
	}
	return nil
}

func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	model := messageToModel(msg)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Model(&ChatModel{}).Where("id = ?", msg.ChatID).
			Update("updated_at", msg.CreatedAt).Error
	})
	return wrapPersistence(err)
}

func (s *GormStore) ListMessages(ctx context.Context, chatID string, limit int) ([]domain.Message, error) {
	q := s.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []MessageModel
	if err := q.Find(&models).Error; err != nil {
		return nil, wrapPersistence(err)
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

// documents

func (s *GormStore) SaveDocument(ctx context.Context, doc domain.Document) error {
	model := documentToModel(doc)
	return wrapPersistence(s.db.WithContext(ctx).Save(&model).Error)
}

func (s *GormStore) GetDocument(ctx context.Context, id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, wrapPersistence(err)
	}
	return documentFromModel(model), true, nil
}

func (s *GormStore) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]domain.Document, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	var models []DocumentModel
	if err := q.Find(&models).Error; err != nil {
		return nil, wrapPersistence(err)
	}
	docs := make([]domain.Document, 0, len(models))
	for _, m := range models {
		docs = append(docs, documentFromModel(m))
	}
	return docs, nil
}

func (s *GormStore) SetDocumentStatus(ctx context.Context, id string, status domain.DocumentStatus, errMsg string, chunks int) error {
	res := s.db.WithContext(ctx).Model(&DocumentModel{}).Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(status),
			"error_message": errMsg,
			"chunks":        chunks,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return wrapPersistence(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrDocumentNotFound
	}
	return nil
}

func (s *GormStore) DeleteDocument(ctx context.Context, id string) error {
	return wrapPersistence(s.db.WithContext(ctx).Delete(&DocumentModel{}, "id = ?", id).Error)
}

func wrapPersistence(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
}

// slogWriter adapts slog to the Printf-style writer GORM's logger expects.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func chatToModel(c domain.Chat) ChatModel {
	return ChatModel{
		ID:        c.ID,
		OwnerID:   c.OwnerID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func chatFromModel(m ChatModel) domain.Chat {
	return domain.Chat{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      domain.Role(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:           d.ID,
		OwnerID:      d.OwnerID,
		Filename:     d.Filename,
		Source:       d.Source,
		Description:  d.Description,
		Status:       string(d.Status),
		ErrorMessage: d.ErrorMessage,
		Chunks:       d.Chunks,
		SizeBytes:    d.SizeBytes,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Filename:     m.Filename,
		Source:       m.Source,
		Description:  m.Description,
		Status:       domain.DocumentStatus(m.Status),
		ErrorMessage: m.ErrorMessage,
		Chunks:       m.Chunks,
		SizeBytes:    m.SizeBytes,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
