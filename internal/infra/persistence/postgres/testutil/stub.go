// Package testutil is a database/sql driver standing in for Postgres in store
// tests. It keeps rows per table and understands the handful of statement
// shapes the store issues: CREATE, DELETE FROM, INSERT (with ON CONFLICT on
// the first column) and SELECT with an optional single equality filter.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync/atomic"
)

// Row is one stored row keyed by lower-case column name.
type Row map[string]any

// StubConn is the single connection behind a stub database.
type StubConn struct {
	Statements []string
	Tables     map[string][]Row
	Commits    int
	Rollbacks  int

	FailPing   bool
	FailBegin  bool
	FailCommit bool
	// FailOn fails any statement containing one of these substrings.
	FailOn []string
}

var seq atomic.Int64

// NewStubDB registers a fresh driver and opens a database on it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]Row)}
	name := fmt.Sprintf("tokenvault-stub-%d", seq.Add(1))
	sql.Register(name, stubDriver{conn})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

type stubDriver struct{ conn *StubConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

var (
	insertRe = regexp.MustCompile(`(?is)^INSERT INTO\s+(\w+)\s*\(([^)]*)\)`)
	deleteRe = regexp.MustCompile(`(?is)^DELETE FROM\s+(\w+)\s*$`)
	selectRe = regexp.MustCompile(`(?is)^SELECT\s+(.+?)\s+FROM\s+(\w+)(?:\s+WHERE\s+(\w+)\s*=\s*\$1)?`)
)

func (c *StubConn) fail(query string) error {
	for _, s := range c.FailOn {
		if strings.Contains(query, s) {
			return fmt.Errorf("stub failure on %q", s)
		}
	}
	return nil
}

// Prepare implements driver.Conn. Statements go through ExecContext and
// QueryContext instead.
func (c *StubConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("stub: prepared statements not supported")
}

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, errors.New("stub: begin failed")
	}
	return stubTx{c}, nil
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return errors.New("stub: ping failed")
	}
	return nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	query = strings.TrimSpace(query)
	c.Statements = append(c.Statements, query)
	if err := c.fail(query); err != nil {
		return nil, err
	}
	if m := deleteRe.FindStringSubmatch(query); m != nil {
		table := strings.ToLower(m[1])
		n := len(c.Tables[table])
		delete(c.Tables, table)
		return driver.RowsAffected(n), nil
	}
	m := insertRe.FindStringSubmatch(query)
	if m == nil {
		return driver.RowsAffected(0), nil
	}
	table, cols := strings.ToLower(m[1]), columns(m[2])
	if len(cols) != len(args) {
		return nil, fmt.Errorf("stub: %d columns for %d args", len(cols), len(args))
	}
	row := make(Row, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	rows := c.Tables[table]
	for i, existing := range rows {
		if existing[cols[0]] != row[cols[0]] {
			continue
		}
		if !strings.Contains(strings.ToUpper(query), "ON CONFLICT") {
			return nil, fmt.Errorf("stub: duplicate %s %v", cols[0], row[cols[0]])
		}
		rows[i] = row
		return driver.RowsAffected(1), nil
	}
	c.Tables[table] = append(rows, row)
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext. Rows come back in insertion
// order; ORDER BY is ignored.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	query = strings.TrimSpace(query)
	c.Statements = append(c.Statements, query)
	if err := c.fail(query); err != nil {
		return nil, err
	}
	m := selectRe.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("stub: cannot parse %q", query)
	}
	cols, table, filter := columns(m[1]), strings.ToLower(m[2]), strings.ToLower(m[3])
	out := &stubRows{cols: cols}
	for _, row := range c.Tables[table] {
		if filter != "" && (len(args) == 0 || row[filter] != args[0].Value) {
			continue
		}
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		out.rows = append(out.rows, vals)
	}
	return out, nil
}

type stubTx struct{ conn *StubConn }

func (t stubTx) Commit() error {
	if t.conn.FailCommit {
		return errors.New("stub: commit failed")
	}
	t.conn.Commits++
	return nil
}

func (t stubTx) Rollback() error {
	t.conn.Rollbacks++
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	next int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.next >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.next])
	r.next++
	return nil
}

func columns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(p)))
	}
	return out
}
