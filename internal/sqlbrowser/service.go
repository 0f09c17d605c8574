package sqlbrowser

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidQuery = errors.New("invalid query")

const (
	defaultRowLimit = 200
	maxRowLimit     = 1000
)

// Result is a stringified query result ready for table rendering. NULLs come
// back as empty strings.
type Result struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
	Limited bool       `json:"limited"`
}

// Service runs ad-hoc read-only queries for the admin DB browser. Only a
// single SELECT statement is accepted; everything else is rejected before it
// reaches the database.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &Service{db: db}, nil
}

func validateQuery(query string) (string, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	if q == "" {
		return "", fmt.Errorf("%w: empty statement", ErrInvalidQuery)
	}
	if strings.Contains(q, ";") {
		return "", fmt.Errorf("%w: multiple statements", ErrInvalidQuery)
	}
	first := strings.ToUpper(strings.Fields(q)[0])
	if first != "SELECT" && first != "WITH" {
		return "", fmt.Errorf("%w: only SELECT statements are allowed", ErrInvalidQuery)
	}
	return q, nil
}

func (s *Service) Query(ctx context.Context, query string, limit int) (Result, error) {
	q, err := validateQuery(query)
	if err != nil {
		return Result{}, err
	}
	if limit <= 0 {
		limit = defaultRowLimit
	}
	if limit > maxRowLimit {
		limit = maxRowLimit
	}

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("read columns: %w", err)
	}

	res := Result{Columns: cols, Rows: make([][]string, 0)}
	for rows.Next() {
		if len(res.Rows) >= limit {
			res.Limited = true
			break
		}
		raw := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			if v.Valid {
				row[i] = v.String
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	return res, nil
}
