// Package testutil provides a stub database that understands the statements
// issued by the postgres records backend.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// StubConn keeps the records table in memory and logs every statement.
// Transactions run one at a time, standing in for the row locks a real
// server takes.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Queries    []string
	Records    map[string]map[string][]byte
	FailExec   bool
	FailPing   bool
	FailBegin  bool
	FailCommit bool
	RowsErr    error

	txMu sync.Mutex
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Records: make(map[string]map[string][]byte)}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx. Rollback restores the records as
// they were when the transaction began.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.txMu.Lock()
	c.mu.Lock()
	defer c.mu.Unlock()
	return &stubTx{conn: c, saved: cloneRecords(c.Records)}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	switch verb(query) {
	case "INSERT":
		if len(args) != 3 {
			return nil, fmt.Errorf("insert expects 3 args, got %d", len(args))
		}
		reg, key := asString(args[0].Value), asString(args[1].Value)
		val, _ := args[2].Value.([]byte)
		if c.Records[reg] == nil {
			c.Records[reg] = make(map[string][]byte)
		}
		c.Records[reg][key] = append([]byte(nil), val...)
		return driver.RowsAffected(1), nil
	case "DELETE":
		if len(args) != 2 {
			return nil, fmt.Errorf("delete expects 2 args, got %d", len(args))
		}
		delete(c.Records[asString(args[0].Value)], asString(args[1].Value))
		return driver.RowsAffected(1), nil
	}
	return driver.RowsAffected(0), nil
}

// QueryContext implements driver.QueryerContext. Two argument queries select
// one key; queries mentioning left() select by prefix.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Queries = append(c.Queries, query)
	if verb(query) != "SELECT" || len(args) != 2 {
		return nil, fmt.Errorf("cannot parse select: %s", query)
	}
	reg, key := asString(args[0].Value), asString(args[1].Value)
	table := c.Records[reg]
	if !strings.Contains(strings.ToLower(query), "left(") {
		rows := &stubRows{cols: []string{"v"}, err: c.RowsErr}
		if v, ok := table[key]; ok {
			rows.rows = append(rows.rows, []driver.Value{append([]byte(nil), v...)})
		}
		return rows, nil
	}
	keys := make([]string, 0, len(table))
	for k := range table {
		if strings.HasPrefix(k, key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	rows := &stubRows{cols: []string{"k", "v"}, err: c.RowsErr}
	for _, k := range keys {
		rows.rows = append(rows.rows, []driver.Value{k, append([]byte(nil), table[k]...)})
	}
	return rows, nil
}

type stubTx struct {
	conn  *StubConn
	saved map[string]map[string][]byte
	done  bool
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		t.finish(true)
		return fmt.Errorf("commit fail")
	}
	t.finish(false)
	return nil
}

func (t *stubTx) Rollback() error {
	t.finish(true)
	return nil
}

// finish ends the transaction once, restoring the records it began with when
// restore is set.
func (t *stubTx) finish(restore bool) {
	if t.done {
		return
	}
	t.done = true
	t.conn.mu.Lock()
	if restore {
		t.conn.Records = t.saved
	}
	t.conn.mu.Unlock()
	t.conn.txMu.Unlock()
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func verb(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

func asString(v driver.Value) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}

func cloneRecords(in map[string]map[string][]byte) map[string]map[string][]byte {
	out := make(map[string]map[string][]byte, len(in))
	for reg, table := range in {
		copyTable := make(map[string][]byte, len(table))
		for k, v := range table {
			copyTable[k] = v
		}
		out[reg] = copyTable
	}
	return out
}
