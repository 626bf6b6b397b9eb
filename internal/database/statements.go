package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Row is one result row as ordered column values, exactly as the driver
// returned them.
type Row []any

// Statement is one SQL statement with its positional arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Stmt builds a Statement.
func Stmt(sql string, args ...any) Statement {
	return Statement{SQL: sql, Args: args}
}

// Fetch runs one query under the resilience contract and returns every
// matching row. Callers discriminate a unique hit from a list by length: a
// single match is a one-element slice, no match an empty one.
func (m *Manager) Fetch(ctx context.Context, sql string, args ...any) ([]Row, error) {
	var out []Row
	err := m.Execute(ctx, func(ctx context.Context, pool Pool) error {
		out = nil // a retried attempt starts over
		rows, err := pool.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return err
			}
			out = append(out, Row(vals))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Commit executes the statements sequentially inside one transaction on one
// connection and commits once after all succeed; any failure rolls the
// whole group back. Because nothing is applied until the commit, a
// transient failure lets the resilience layer retry the entire group
// without replaying partial effects. A statement whose SQL contains
// semicolons is split and executed piecewise; such batches cannot carry
// arguments.
func (m *Manager) Commit(ctx context.Context, stmts ...Statement) error {
	if len(stmts) == 0 {
		return errors.New("database: commit needs at least one statement")
	}
	return m.Execute(ctx, func(ctx context.Context, pool Pool) error {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		for _, st := range stmts {
			pieces := splitStatements(st.SQL)
			switch {
			case len(pieces) == 0:
				return errors.New("database: empty statement")
			case len(pieces) == 1:
				if _, err := tx.Exec(ctx, pieces[0], st.Args...); err != nil {
					return err
				}
			default:
				if len(st.Args) > 0 {
					return fmt.Errorf("database: arguments are not allowed on a %d-statement batch", len(pieces))
				}
				for _, piece := range pieces {
					if _, err := tx.Exec(ctx, piece); err != nil {
						return err
					}
				}
			}
		}
		return tx.Commit(ctx)
	})
}

// splitStatements splits semicolon-joined SQL into individual statements.
// Parameter values never travel inline, so a plain split is sufficient.
func splitStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
