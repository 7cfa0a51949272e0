package database

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"voice-integrity-server/pkg/errors"
)

// Repository persists integrity flags, events, session summaries and model
// artifacts
type Repository struct {
	db       *gorm.DB
	timeout  time.Duration
	logger   *logrus.Entry
	redactor Redactor
}

// Redactor masks personal data in free text before it is written
type Redactor interface {
	Redact(text string) string
	RedactValue(v interface{}) interface{}
}

// Open connects to the configured database and migrates the schema when
// AutoMigrate is set
func Open(config Config, logger *logrus.Logger) (*Repository, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid database configuration").WithCode("INVALID_CONFIG")
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case DriverMySQL:
		dialector = mysql.Open(config.ConnectionString())
	case DriverPostgres:
		dialector = postgres.Open(config.ConnectionString())
	default:
		dialector = sqlite.Open(config.ConnectionString())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database", map[string]interface{}{"driver": config.Driver})
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to access database pool")
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	repo := NewRepository(db, config.QueryTimeout, logger)
	if config.AutoMigrate {
		if err := repo.Migrate(); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}

	repo.logger.WithFields(logrus.Fields{
		"driver":   config.Driver,
		"database": config.Database,
	}).Info("Database connected")
	return repo, nil
}

// NewRepository wraps an open gorm handle
func NewRepository(db *gorm.DB, timeout time.Duration, logger *logrus.Logger) *Repository {
	if timeout <= 0 {
		timeout = DefaultConfig().QueryTimeout
	}
	return &Repository{
		db:      db,
		timeout: timeout,
		logger:  logger.WithField("component", "database"),
	}
}

// SetRedactor masks flag summaries, flag evidence and event data on write
func (r *Repository) SetRedactor(redactor Redactor) {
	r.redactor = redactor
}

func (r *Repository) redactMap(m map[string]interface{}) map[string]interface{} {
	if r.redactor == nil || m == nil {
		return m
	}
	if out, ok := r.redactor.RedactValue(m).(map[string]interface{}); ok {
		return out
	}
	return m
}

// Migrate creates or updates every table
func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(
		&IntegrityFlag{},
		&IntegrityEvent{},
		&SessionSummaryRecord{},
		&ModelArtifact{},
	); err != nil {
		return errors.Wrap(err, "failed to auto migrate").WithCode("MIGRATION_FAILED")
	}
	return nil
}

func (r *Repository) withTimeout(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	return r.db.WithContext(ctx), cancel
}

// Flag operations

// CreateFlag stores flag for userID, assigning its ID
func (r *Repository) CreateFlag(ctx context.Context, userID string, flag *IntegrityFlag) (*IntegrityFlag, error) {
	db, cancel := r.withTimeout(ctx)
	defer cancel()

	flag.ID = uuid.New().String()
	flag.UserID = userID
	if flag.Status == "" {
		flag.Status = FlagStatusPending
	}
	if r.redactor != nil {
		flag.AnalysisSummary = r.redactor.Redact(flag.AnalysisSummary)
		flag.Evidence = r.redactMap(flag.Evidence)
	}
	if err := db.Create(flag).Error; err != nil {
		r.logger.WithError(err).Error("Failed to create integrity flag")
		return nil, translate(err, "failed to create integrity flag", map[string]interface{}{"session_id": flag.SessionID})
	}

	r.logger.WithFields(logrus.Fields{
		"flag_id":    flag.ID,
		"session_id": flag.SessionID,
		"severity":   flag.Severity,
	}).Info("Integrity flag created")
	return flag, nil
}

// GetFlag returns one flag by ID
func (r *Repository) GetFlag(ctx context.Context, id string) (*IntegrityFlag, error) {
	db, cancel := r.withTimeout(ctx)
	defer cancel()

	var flag IntegrityFlag
	if err := db.First(&flag, "id = ?", id).Error; err != nil {
		return nil, translate(err, "failed to get integrity flag", map[string]interface{}{"flag_id": id})
	}
	return &flag, nil
}

// ListFlags returns flags matching filter, newest first
func (r *Repository) ListFlags(ctx context.Context, filter FlagFilter) ([]IntegrityFlag, error) {
	db, cancel := r.withTimeout(ctx)
	defer cancel()

	query := db.Model(&IntegrityFlag{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.SessionID != "" {
		query = query.Where("session_id = ?", filter.SessionID)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var flags []IntegrityFlag
	if err := query.Order("created_at DESC").Find(&flags).Error; err != nil {
		return nil, translate(err, "failed to list integrity flags", nil)
	}
	return flags, nil
}

// UpdateFlagStatus records a reviewer decision
func (r *Repository) UpdateFlagStatus(ctx context.Context, id, status string) error {
	db, cancel := r.withTimeout(ctx)
	defer cancel()

	result := db.Model(&IntegrityFlag{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return translate(result.Error, "failed to update integrity flag", map[string]interface{}{"flag_id": id})
	}
	if result.RowsAffected == 0 {
		return errors.NewNotFound("integrity flag not found", map[string]interface{}{"flag_id": id})
	}
	return nil
}

// Event operations

// CreateEvent appends event for userID, assigning its ID
func (r *Repository) CreateEvent(ctx context.Context, userID string, event *IntegrityEvent) (*IntegrityEvent, error) {
	db, cancel := r.withTimeout(ctx)
	defer cancel()

	event.ID = uuid.New().String()
	event.UserID = userID
	event.Data = r.redactMap(event.Data)
	if err := db.Create(event).Error; err != nil {
		return nil, translate(err, "failed to create integrity event", map[string]interface{}{"session_id": event.SessionID})
	}
	return event, nil
}

// ListEvents returns a session's events in insertion order
func (r *Repository) ListEvents(ctx context.Context, sessionID string) ([]IntegrityEvent, error) {
	db, cancel := r.withTimeout(ctx)
	defer cancel()

	var events []IntegrityEvent
	if err := db.Where("session_id = ?", sessionID).Order("created_at ASC").Find(&events).Error; err != nil {
		return nil, translate(err, "failed to list integrity events", map[string]interface{}{"session_id": sessionID})
	}
	return events, nil
}

// Summary operations

// SaveSummary inserts or replaces the summary for its session
func (r *Repository) SaveSummary(ctx context.Context, record *SessionSummaryRecord) error {
	db, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := db.Save(record).Error; err != nil {
		return translate(err, "failed to save session summary", map[string]interface{}{"session_id": record.SessionID})
	}
	return nil
}

// GetSummary returns the stored summary of a stopped session
func (r *Repository) GetSummary(ctx context.Context, sessionID string) (*SessionSummaryRecord, error) {
	db, cancel := r.withTimeout(ctx)
	defer cancel()

	var record SessionSummaryRecord
	if err := db.First(&record, "session_id = ?", sessionID).Error; err != nil {
		return nil, translate(err, "failed to get session summary", map[string]interface{}{"session_id": sessionID})
	}
	return &record, nil
}

// Model operations

// SaveModel stores a new artifact version under name
func (r *Repository) SaveModel(ctx context.Context, artifact *ModelArtifact) error {
	db, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := db.Create(artifact).Error; err != nil {
		return translate(err, "failed to save model artifact", map[string]interface{}{"name": artifact.Name})
	}
	r.logger.WithFields(logrus.Fields{
		"name":             artifact.Name,
		"id":               artifact.ID,
		"training_samples": artifact.TrainingSamples,
	}).Info("Model artifact saved")
	return nil
}

// LatestModel returns the newest artifact stored under name
func (r *Repository) LatestModel(ctx context.Context, name string) (*ModelArtifact, error) {
	db, cancel := r.withTimeout(ctx)
	defer cancel()

	var artifact ModelArtifact
	if err := db.Where("name = ?", name).Order("id DESC").First(&artifact).Error; err != nil {
		return nil, translate(err, "failed to load model artifact", map[string]interface{}{"name": name})
	}
	return &artifact, nil
}

// Health pings the database
func (r *Repository) Health(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to access database pool")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return errors.Wrap(errors.ErrUnavailable, "database ping failed").WithField("cause", err.Error())
	}
	return nil
}

// Close releases the connection pool
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
