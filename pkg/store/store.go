package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unbounded disables the command timeout.
const Unbounded = 0

// Row is one result row keyed by column name.
type Row map[string]any

// Store runs commands against one relational store instance. A timeout of
// Unbounded (0) means the command may run as long as it needs.
type Store interface {
	Scalar(ctx context.Context, database, query string, timeoutSeconds int, args ...any) (any, error)
	Exec(ctx context.Context, database, query string, timeoutSeconds int, args ...any) (int64, error)
	Query(ctx context.Context, database, query string, timeoutSeconds int, args ...any) ([]Row, error)

	// Page fetches rows [offset, offset+limit) of an ordered query.
	Page(ctx context.Context, database, query string, offset, limit, timeoutSeconds int, args ...any) ([]Row, error)
}

// Provider resolves the Store for a named instance.
type Provider interface {
	Store(instance string) Store
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc func(instance string) Store

// Store implements Provider.
func (f ProviderFunc) Store(instance string) Store { return f(instance) }

// Static returns a Provider that always hands out s.
func Static(s Store) Provider {
	return ProviderFunc(func(string) Store { return s })
}

// withTimeout derives a command context; 0 seconds leaves it unbounded.
func withTimeout(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

// pageQuery appends an OFFSET/FETCH clause; the query must be ordered.
func pageQuery(query string, offset, limit int) (string, error) {
	if !strings.Contains(strings.ToUpper(query), "ORDER BY") {
		return "", fmt.Errorf("page query must contain ORDER BY")
	}
	if offset < 0 || limit <= 0 {
		return "", fmt.Errorf("invalid page offset=%d limit=%d", offset, limit)
	}
	return fmt.Sprintf("%s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", strings.TrimRight(query, "; \n\t"), offset, limit), nil
}

// Int64 converts a driver value to int64. nil yields ok=false.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int:
		return int64(n), true
	case uint8:
		return int64(n), true
	case float64:
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case []byte:
		return Int64(string(n))
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	}
	return 0, false
}

// Float64 converts a driver value (including DECIMAL bytes) to float64.
func Float64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case []byte:
		return Float64(string(n))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	if i, ok := Int64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// String converts a driver value to string.
func String(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}

// QuoteLiteral escapes s for use inside N'...'.
func QuoteLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
