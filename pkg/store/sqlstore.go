package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/zph/wsusctl/pkg/logger"
)

// Options configure how SQLStore connects.
type Options struct {
	Instance string // host[\instance][,port]
	User     string // empty selects integrated authentication
	Password string
	AppName  string
	// TrustServerCertificate is needed for the self-signed certificate SQL
	// Express ships with.
	TrustServerCertificate bool
	DialTimeout            time.Duration
}

// SQLStore is a Store backed by SQL Server through database/sql. A
// connection is opened per call; pooling is left to the driver.
type SQLStore struct {
	opts Options
}

// NewSQLStore creates a store for one instance.
func NewSQLStore(opts Options) *SQLStore {
	if opts.AppName == "" {
		opts.AppName = "wsusctl"
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 15 * time.Second
	}
	return &SQLStore{opts: opts}
}

// NewProvider returns a Provider building SQLStores from base options.
func NewProvider(base Options) Provider {
	return ProviderFunc(func(instance string) Store {
		opts := base
		opts.Instance = instance
		return NewSQLStore(opts)
	})
}

// ConnString builds the sqlserver:// URL for database.
func (s *SQLStore) ConnString(database string) string {
	host, instance, port := splitInstance(s.opts.Instance)

	u := &url.URL{Scheme: "sqlserver", Host: host}
	if port != "" {
		u.Host = host + ":" + port
	}
	if instance != "" {
		u.Path = "/" + instance
	}
	if s.opts.User != "" {
		u.User = url.UserPassword(s.opts.User, s.opts.Password)
	}

	q := url.Values{}
	if database != "" {
		q.Set("database", database)
	}
	q.Set("app name", s.opts.AppName)
	q.Set("dial timeout", fmt.Sprintf("%d", int(s.opts.DialTimeout.Seconds())))
	if s.opts.TrustServerCertificate {
		q.Set("TrustServerCertificate", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *SQLStore) open(ctx context.Context, database string) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", s.ConnString(database))
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to %s: %w", s.opts.Instance, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s/%s: %w", s.opts.Instance, database, err)
	}
	return db, nil
}

// Scalar returns the first column of the first row, or nil when no rows.
func (s *SQLStore) Scalar(ctx context.Context, database, query string, timeoutSeconds int, args ...any) (any, error) {
	ctx, cancel := withTimeout(ctx, timeoutSeconds)
	defer cancel()

	db, err := s.open(ctx, database)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	logger.Debug("sql scalar [%s]: %s", database, query)
	var v any
	if err := db.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// Exec runs a non-query and returns rows affected.
func (s *SQLStore) Exec(ctx context.Context, database, query string, timeoutSeconds int, args ...any) (int64, error) {
	ctx, cancel := withTimeout(ctx, timeoutSeconds)
	defer cancel()

	db, err := s.open(ctx, database)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	logger.Debug("sql exec [%s]: %s", database, query)
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some statements (DBCC, BACKUP) do not report a count
		return 0, nil
	}
	return n, nil
}

// Query returns all rows.
func (s *SQLStore) Query(ctx context.Context, database, query string, timeoutSeconds int, args ...any) ([]Row, error) {
	ctx, cancel := withTimeout(ctx, timeoutSeconds)
	defer cancel()

	db, err := s.open(ctx, database)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	logger.Debug("sql query [%s]: %s", database, query)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// Page fetches one page of an ordered query.
func (s *SQLStore) Page(ctx context.Context, database, query string, offset, limit, timeoutSeconds int, args ...any) ([]Row, error) {
	q, err := pageQuery(query, offset, limit)
	if err != nil {
		return nil, err
	}
	return s.Query(ctx, database, q, timeoutSeconds, args...)
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// splitInstance parses "host\instance,port" forms.
func splitInstance(s string) (host, instance, port string) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, ","); i >= 0 {
		port = strings.TrimSpace(s[i+1:])
		s = s[:i]
	}
	host, instance, _ = strings.Cut(s, `\`)
	if host == "" || host == "." || strings.EqualFold(host, "(local)") {
		host = "localhost"
	}
	return host, instance, port
}
