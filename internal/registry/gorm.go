package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required.
	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLConfig holds what is needed to open the relational registry backend.
// Driver defaults to "sqlite" if left empty.
type SQLConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	Logger *zap.Logger
}

// jobRow is the GORM model for the jobs table. Timestamps are stored as
// ISO-8601 strings so the relational and DynamoDB backends share one format.
type jobRow struct {
	JobID     string `gorm:"column:job_id;primaryKey;type:varchar(255)"`
	UserID    string `gorm:"column:user_id;type:varchar(255);not null"`
	StartTime string `gorm:"column:start_time;type:varchar(255);not null"`
	EndTime   string `gorm:"column:end_time;type:varchar(255);not null"`
	Hostname  string `gorm:"column:hostname;type:varchar(255);not null"`
}

func (jobRow) TableName() string { return "jobs" }

func (r jobRow) toJob() (Job, error) {
	start, err := parseTime(r.StartTime)
	if err != nil {
		return Job{}, fmt.Errorf("registry: invalid start_time for job %s: %w", r.JobID, err)
	}
	end, err := parseTime(r.EndTime)
	if err != nil {
		return Job{}, fmt.Errorf("registry: invalid end_time for job %s: %w", r.JobID, err)
	}
	return Job{
		ID:        r.JobID,
		User:      r.UserID,
		StartTime: start,
		EndTime:   end,
		Host:      r.Hostname,
	}, nil
}

func toRow(job Job) jobRow {
	return jobRow{
		JobID:     job.ID,
		UserID:    job.User,
		StartTime: formatTime(job.StartTime),
		EndTime:   formatTime(job.EndTime),
		Hostname:  job.Host,
	}
}

// sqlStore is the relational Store backed by GORM. The underlying pool hands
// out a connection per call, which keeps checkouts short.
type sqlStore struct {
	db *gorm.DB
}

// OpenSQL opens the relational registry, applies pending migrations, and
// returns the ready-to-use Store.
func OpenSQL(cfg SQLConfig) (Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("registry: logger is required")
	}

	gormCfg := &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		drvName  string
	)

	switch cfg.Driver {
	case "sqlite", "":
		// Open the connection manually via database/sql using the modernc
		// driver (registered as "sqlite"), then hand the existing *sql.DB to
		// GORM so it does not try to open a second connection with go-sqlite3.
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("registry: failed to open sqlite: %w", err)
		}
		// SQLite supports only one writer at a time.
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("registry: failed to initialize gorm with sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("registry: failed to open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("registry: failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("registry: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("registry: migrations failed: %w", err)
	}

	return &sqlStore{db: database}, nil
}

func (s *sqlStore) Insert(ctx context.Context, job Job) error {
	row := toRow(job)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("registry: insert %s: %w", job.ID, ErrDuplicate)
		}
		return fmt.Errorf("registry: insert %s: %w", job.ID, err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).First(&row, "job_id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("registry: get %s: %w", id, err)
	}
	return row.toJob()
}

func (s *sqlStore) List(ctx context.Context) ([]Job, error) {
	var rows []jobRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}

	jobs := make([]Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *sqlStore) UpdateHost(ctx context.Context, id, host string) error {
	result := s.db.WithContext(ctx).
		Model(&jobRow{}).
		Where("job_id = ?", id).
		Update("hostname", host)
	if result.Error != nil {
		return fmt.Errorf("registry: update host for %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&jobRow{}, "job_id = ?", id).Error; err != nil {
		return fmt.Errorf("registry: delete %s: %w", id, err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("registry: failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// isDuplicate detects a primary-key violation. GORM's error translation
// covers postgres; the modernc sqlite driver reports the raw constraint
// message, so the string check is kept as a fallback.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}

// runMigrations applies all pending up-migrations from the embedded SQL files.
// ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate

	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}

	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("registry migrations applied")
	return nil
}
