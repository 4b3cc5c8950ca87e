package journal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	errEmptyJournalURL     = errors.New("journal.empty_url")
	errSQLiteEmptyPath     = errors.New("journal.sqlite.empty_path")
	errUnsupportedNoScheme = errors.New("journal.unsupported_no_scheme")
)

// DatabaseJournal persists session history using GORM.
type DatabaseJournal struct {
	db          *gorm.DB
	driverLabel string
}

type sessionRow struct {
	SessionID      string `gorm:"column:session_id;primaryKey"`
	Port           int    `gorm:"column:port;not null"`
	Outcome        string `gorm:"column:outcome;not null"`
	StartedAtUnix  int64  `gorm:"column:started_at_unix;index;not null"`
	FinishedAtUnix int64  `gorm:"column:finished_at_unix;not null;default:0"`
}

func (sessionRow) TableName() string {
	return "auth_sessions"
}

// NewDatabaseJournal opens journalURL (sqlite:// or postgres://) and migrates the schema.
func NewDatabaseJournal(ctx context.Context, journalURL string) (*DatabaseJournal, error) {
	if strings.TrimSpace(journalURL) == "" {
		return nil, fmt.Errorf("journal.open: %w", errEmptyJournalURL)
	}
	dialector, driverLabel, err := resolveDialector(journalURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("journal.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionRow{}); migrateErr != nil {
		return nil, fmt.Errorf("journal.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseJournal{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseJournal) Driver() string {
	return store.driverLabel
}

// Record upserts the session row keyed by session id.
func (store *DatabaseJournal) Record(ctx context.Context, record SessionRecord) error {
	if record.SessionID == "" {
		return fmt.Errorf("journal.record.%s: %w", store.driverLabel, ErrEmptySessionID)
	}
	row := sessionRow{
		SessionID:      record.SessionID,
		Port:           record.Port,
		Outcome:        string(record.Outcome),
		StartedAtUnix:  unixMillis(record.StartedAt),
		FinishedAtUnix: unixMillis(record.FinishedAt),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"outcome", "finished_at_unix"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("journal.record.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Recent returns the newest sessions first.
func (store *DatabaseJournal) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	query := store.db.WithContext(ctx).Order("started_at_unix DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []sessionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal.recent.%s: %w", store.driverLabel, err)
	}
	records := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, SessionRecord{
			SessionID:  row.SessionID,
			Port:       row.Port,
			Outcome:    Outcome(row.Outcome),
			StartedAt:  fromUnixMillis(row.StartedAtUnix),
			FinishedAt: fromUnixMillis(row.FinishedAtUnix),
		})
	}
	return records, nil
}

func unixMillis(moment time.Time) int64 {
	if moment.IsZero() {
		return 0
	}
	return moment.UTC().UnixMilli()
}

func fromUnixMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

func resolveDialector(journalURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(journalURL)
	if err != nil {
		return nil, "", fmt.Errorf("journal.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("journal.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(journalURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := sqliteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("journal.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("journal.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

// sqliteDSN accepts sqlite://relative.db, sqlite:///abs/path.db and sqlite://file::memory:?cache=shared.
func sqliteDSN(parsed *url.URL) (string, error) {
	path := parsed.Opaque
	if path == "" {
		path = parsed.Host + parsed.Path
	}
	if path == "" {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return path, nil
}
