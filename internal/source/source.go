// Package source reads announcements from the operator's database.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"announcebot/internal/announcement"
	logx "announcebot/pkg/logx"
)

const (
	DefaultPoolSize     = 5
	DefaultQueryTimeout = 10 * time.Second
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Source returns active announcements newer than a watermark.
type Source interface {
	// After returns active announcements with id > watermark, ascending by id.
	After(ctx context.Context, watermark int64) ([]announcement.Announcement, error)
	// MaxID returns the highest active id, ok=false when there are none.
	MaxID(ctx context.Context) (id int64, ok bool, err error)
}

// Config selects the driver and pool settings.
type Config struct {
	Driver       string // mysql (default), postgres, sqlite
	DSN          string
	PoolSize     int
	QueryTimeout time.Duration
}

// SQLSource implements Source over database/sql through sqlx.
type SQLSource struct {
	db      *sqlx.DB
	log     logx.Logger
	timeout time.Duration

	afterQuery string
	maxQuery   string
}

const afterSQL = `
SELECT
	a.id,
	a.type,
	a.title,
	a.description,
	a.created_at,
	a.priority,
	acc.name AS created_by_name
FROM announcements a
JOIN accounts acc ON a.created_by = acc.id
WHERE a.active = ? AND a.id > ?
ORDER BY a.id ASC`

const maxSQL = `SELECT MAX(id) FROM announcements WHERE active = ?`

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*SQLSource, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver, dsn, err := driverDSN(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s source: %w", driver, err)
	}
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = DefaultPoolSize
	}
	db.SetMaxOpenConns(pool)
	db.SetMaxIdleConns(pool)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := New(db, cfg.QueryTimeout, log)
	if err := s.Ping(ctx); err != nil {
		// Startup must survive a database outage; the first tick retries.
		log.Warn("announcement source unreachable", logx.String("driver", driver), logx.Err(err))
	}
	return s, nil
}

// New wraps an existing handle. It is used by Open and by tests.
func New(db *sqlx.DB, timeout time.Duration, log logx.Logger) *SQLSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &SQLSource{
		db:         db,
		log:        log,
		timeout:    timeout,
		afterQuery: db.Rebind(afterSQL),
		maxQuery:   db.Rebind(maxSQL),
	}
}

func driverDSN(driver, dsn string) (string, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", errors.New("source dsn is required")
	}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "mysql":
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", "", fmt.Errorf("mysql dsn: %w", err)
		}
		mc.ParseTime = true
		return "mysql", mc.FormatDSN(), nil
	case "postgres", "pgx":
		return "pgx", dsn, nil
	case "sqlite", "sqlite3":
		return "sqlite", dsn, nil
	default:
		return "", "", fmt.Errorf("unknown source driver %q", driver)
	}
}

// row tolerates nullable columns and drivers that return timestamps as text.
type row struct {
	ID            int64          `db:"id"`
	Type          sql.NullString `db:"type"`
	Title         sql.NullString `db:"title"`
	Description   sql.NullString `db:"description"`
	CreatedAt     timestamp      `db:"created_at"`
	Priority      sql.NullInt64  `db:"priority"`
	CreatedByName sql.NullString `db:"created_by_name"`
}

func (r row) announcement() announcement.Announcement {
	p := int(r.Priority.Int64)
	if p < 0 {
		p = 0
	}
	return announcement.Announcement{
		ID:            r.ID,
		Type:          announcement.Type(strings.ToLower(strings.TrimSpace(r.Type.String))),
		Title:         r.Title.String,
		Description:   r.Description.String,
		CreatedAt:     time.Time(r.CreatedAt),
		Priority:      p,
		CreatedByName: r.CreatedByName.String,
	}
}

func (s *SQLSource) After(ctx context.Context, watermark int64) ([]announcement.Announcement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.afterQuery, true, watermark); err != nil {
		return nil, fmt.Errorf("query announcements after %d: %w", watermark, err)
	}
	out := make([]announcement.Announcement, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.announcement())
	}
	return out, nil
}

func (s *SQLSource) MaxID(ctx context.Context) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var maxID sql.NullInt64
	if err := s.db.GetContext(ctx, &maxID, s.maxQuery, true); err != nil {
		return 0, false, fmt.Errorf("query max announcement id: %w", err)
	}
	return maxID.Int64, maxID.Valid, nil
}

// Ping checks connectivity; used by the status command and the ops server.
func (s *SQLSource) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// InUse reports how many pool connections are checked out.
func (s *SQLSource) InUse() int { return s.db.Stats().InUse }

func (s *SQLSource) Close() error { return s.db.Close() }
