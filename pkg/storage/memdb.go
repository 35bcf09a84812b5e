package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/snorkysnark/ralsei-dev/pkg/models"
)

// MemDB implements DB with in-memory tables. It understands the structural
// operations directly and, for Exec/Query, the small statement subset the
// engine and its tests produce: CREATE TABLE, DROP TABLE [IF EXISTS],
// ALTER TABLE ADD/DROP COLUMN, INSERT INTO ... VALUES with literals, and
// SELECT * FROM <table> [WHERE NOT <column>].
//
// A transaction snapshots each table the moment the transaction first
// mutates it; Rollback restores exactly those tables. Tables the
// transaction never touched keep whatever other connections committed while
// it was open, so concurrent transactions on disjoint tables roll back
// independently.
//
// Writes() counts committed write statements and rows, which is what makes
// zero-write idempotency assertions possible. FailOn injects an error on the
// first statement containing the given fragment.
type MemDB struct {
	state *memState
	tx    bool
	// per-transaction journal: table name -> copy at first touch
	// (nil entry: the table did not exist yet)
	touched  map[string]*memTable
	txWrites int
}

type memState struct {
	mu      sync.Mutex
	tables  map[string]*memTable
	stmts   []string
	writes  int
	failOn  string
	failErr error
}

type memTable struct {
	cols     []string
	defaults map[string]interface{}
	rows     []models.Row
}

func NewMemDB() *MemDB {
	return &MemDB{state: &memState{tables: make(map[string]*memTable)}}
}

// Writes returns the number of committed write operations (statements plus
// inserted/updated rows). Failed statements and rolled back transactions do
// not count.
func (s *MemDB) Writes() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.writes
}

// Statements returns every statement Exec has seen, in order, including ones
// that failed or were rolled back.
func (s *MemDB) Statements() []string {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return append([]string(nil), s.state.stmts...)
}

// FailOn makes the next statement containing fragment fail with the given
// message. The trigger clears once it fires.
func (s *MemDB) FailOn(fragment, msg string) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.failOn = fragment
	s.state.failErr = errors.New(msg)
}

func (s *memState) checkFail(stmt string) error {
	if s.failOn != "" && strings.Contains(stmt, s.failOn) {
		err := s.failErr
		s.failOn = ""
		s.failErr = nil
		return err
	}
	return nil
}

// touch journals the table's current contents before this transaction's
// first mutation of it. Caller holds the state lock.
func (s *MemDB) touch(name string) {
	if !s.tx {
		return
	}
	if _, done := s.touched[name]; done {
		return
	}
	if t, ok := s.state.tables[name]; ok {
		s.touched[name] = copyTable(t)
	} else {
		s.touched[name] = nil
	}
}

// countWrites records committed writes; a transaction tracks its own share
// so Rollback can subtract it. Caller holds the state lock.
func (s *MemDB) countWrites(n int) {
	s.state.writes += n
	if s.tx {
		s.txWrites += n
	}
}

func (s *MemDB) Begin() (DB, error) {
	if s.tx {
		return nil, errors.New("nested transactions are not supported")
	}
	return &MemDB{
		state:   s.state,
		tx:      true,
		touched: make(map[string]*memTable),
	}, nil
}

func (s *MemDB) Commit() error {
	if !s.tx {
		return errors.New("cannot commit: not a transaction")
	}
	if s.touched == nil {
		return errors.New("transaction already resolved")
	}
	s.touched = nil
	return nil
}

func (s *MemDB) Rollback() error {
	if !s.tx {
		return errors.New("cannot rollback: not a transaction")
	}
	if s.touched == nil {
		return errors.New("transaction already resolved")
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	for name, snap := range s.touched {
		if snap == nil {
			delete(s.state.tables, name)
		} else {
			s.state.tables[name] = snap
		}
	}
	s.state.writes -= s.txWrites
	s.touched = nil
	s.txWrites = 0
	return nil
}

func (s *MemDB) Close() error { return nil }

func copyTable(t *memTable) *memTable {
	ct := &memTable{
		cols:     append([]string(nil), t.cols...),
		defaults: make(map[string]interface{}, len(t.defaults)),
		rows:     make([]models.Row, len(t.rows)),
	}
	for k, v := range t.defaults {
		ct.defaults[k] = v
	}
	for i, r := range t.rows {
		ct.rows[i] = r.Clone()
	}
	return ct
}

func tableKey(t models.TableRef) string {
	if t.Schema != "" {
		return t.Schema + "." + t.Name
	}
	return t.Name
}

func (s *MemDB) TableExists(ctx context.Context, table models.TableRef) (bool, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	_, ok := s.state.tables[tableKey(table)]
	return ok, nil
}

func (s *MemDB) ColumnsExist(ctx context.Context, table models.TableRef, columns []string) (bool, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	t, ok := s.state.tables[tableKey(table)]
	if !ok {
		return false, nil
	}
	for _, c := range columns {
		if !contains(t.cols, c) {
			return false, nil
		}
	}
	return true, nil
}

func (s *MemDB) InsertRows(ctx context.Context, table models.TableRef, cols []string, rows []models.Row) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	key := tableKey(table)
	t, ok := s.state.tables[key]
	if !ok {
		return errors.Errorf("table %s does not exist", table)
	}
	s.touch(key)
	for _, row := range rows {
		stored := models.Row{}
		for _, c := range t.cols {
			if contains(cols, c) {
				stored[c] = row[c]
			} else {
				stored[c] = t.defaults[c]
			}
		}
		t.rows = append(t.rows, stored)
	}
	s.countWrites(len(rows))
	return nil
}

// UpdateRow applies the set columns to every row matched by the where
// columns. Zero matched rows is a success, like SQL UPDATE.
func (s *MemDB) UpdateRow(ctx context.Context, table models.TableRef, setCols []string, set models.Row, whereCols []string, where models.Row) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if err := s.state.checkFail("UPDATE " + table.Quoted()); err != nil {
		return err
	}
	key := tableKey(table)
	t, ok := s.state.tables[key]
	if !ok {
		return errors.Errorf("table %s does not exist", table)
	}
	s.touch(key)
	updated := 0
	for _, row := range t.rows {
		if !rowMatches(row, whereCols, where) {
			continue
		}
		for _, c := range setCols {
			if !contains(t.cols, c) {
				return errors.Errorf("column %q does not exist on %s", c, table)
			}
			row[c] = set[c]
		}
		updated++
	}
	s.countWrites(updated)
	return nil
}

func rowMatches(row models.Row, cols []string, want models.Row) bool {
	for _, c := range cols {
		if fmt.Sprint(row[c]) != fmt.Sprint(want[c]) {
			return false
		}
	}
	return true
}

// Exec interprets the supported statement subset. Only statements that
// succeed count as writes.
func (s *MemDB) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.stmts = append(s.state.stmts, stmt)
	if err := s.state.checkFail(stmt); err != nil {
		return err
	}

	p := newStmtParser(stmt)
	var err error
	switch {
	case p.keywords("CREATE", "TABLE"):
		err = s.execCreateTable(p)
	case p.keywords("DROP", "TABLE"):
		err = s.execDropTable(p)
	case p.keywords("ALTER", "TABLE"):
		err = s.execAlterTable(p)
	case p.keywords("INSERT", "INTO"):
		err = s.execInsert(p)
	default:
		err = errors.Errorf("memdb: unsupported statement: %s", stmt)
	}
	if err != nil {
		return err
	}
	s.countWrites(1)
	return nil
}

func (s *MemDB) execCreateTable(p *stmtParser) error {
	name, err := p.ident()
	if err != nil {
		return err
	}
	if _, exists := s.state.tables[name]; exists {
		return errors.Errorf("table %s already exists", name)
	}
	defs, err := p.parenList()
	if err != nil {
		return err
	}
	t := &memTable{defaults: make(map[string]interface{})}
	for _, def := range defs {
		dp := newStmtParser(def)
		col, err := dp.ident()
		if err != nil {
			return errors.Wrapf(err, "column definition %q", def)
		}
		if contains(t.cols, col) {
			return errors.Errorf("duplicate column %q", col)
		}
		t.cols = append(t.cols, col)
		if dv, ok := defaultLiteral(def); ok {
			t.defaults[col] = dv
		}
	}
	s.touch(name)
	s.state.tables[name] = t
	return nil
}

func (s *MemDB) execDropTable(p *stmtParser) error {
	ifExists := p.keywords("IF", "EXISTS")
	name, err := p.ident()
	if err != nil {
		return err
	}
	if _, ok := s.state.tables[name]; !ok {
		if ifExists {
			return nil
		}
		return errors.Errorf("table %s does not exist", name)
	}
	s.touch(name)
	delete(s.state.tables, name)
	return nil
}

func (s *MemDB) execAlterTable(p *stmtParser) error {
	name, err := p.ident()
	if err != nil {
		return err
	}
	t, ok := s.state.tables[name]
	if !ok {
		return errors.Errorf("table %s does not exist", name)
	}
	switch {
	case p.keywords("ADD", "COLUMN"):
		col, err := p.ident()
		if err != nil {
			return err
		}
		if contains(t.cols, col) {
			return errors.Errorf("column %q already exists on %s", col, name)
		}
		s.touch(name)
		t.cols = append(t.cols, col)
		rest := p.rest()
		if dv, ok := defaultLiteral(rest); ok {
			t.defaults[col] = dv
			for _, row := range t.rows {
				row[col] = dv
			}
		} else {
			for _, row := range t.rows {
				row[col] = nil
			}
		}
		return nil
	case p.keywords("DROP", "COLUMN"):
		p.keywords("IF", "EXISTS")
		col, err := p.ident()
		if err != nil {
			return err
		}
		for i, c := range t.cols {
			if c == col {
				s.touch(name)
				t.cols = append(t.cols[:i], t.cols[i+1:]...)
				delete(t.defaults, col)
				for _, row := range t.rows {
					delete(row, col)
				}
				return nil
			}
		}
		return nil
	default:
		return errors.Errorf("memdb: unsupported ALTER TABLE on %s", name)
	}
}

func (s *MemDB) execInsert(p *stmtParser) error {
	name, err := p.ident()
	if err != nil {
		return err
	}
	t, ok := s.state.tables[name]
	if !ok {
		return errors.Errorf("table %s does not exist", name)
	}
	colList, err := p.parenList()
	if err != nil {
		return err
	}
	cols := make([]string, len(colList))
	for i, c := range colList {
		cols[i] = unquoteIdent(strings.TrimSpace(c))
	}
	if !p.keywords("VALUES") {
		return errors.New("memdb: INSERT without VALUES is not supported")
	}
	// parse every tuple before mutating, so a bad literal inserts nothing
	var inserted []models.Row
	for {
		tuple, err := p.parenList()
		if err != nil {
			return err
		}
		if len(tuple) != len(cols) {
			return errors.Errorf("expected %d values, got %d", len(cols), len(tuple))
		}
		row := models.Row{}
		for i, lit := range tuple {
			v, err := parseLiteral(strings.TrimSpace(lit))
			if err != nil {
				return err
			}
			row[cols[i]] = v
		}
		stored := models.Row{}
		for _, c := range t.cols {
			if contains(cols, c) {
				stored[c] = row[c]
			} else {
				stored[c] = t.defaults[c]
			}
		}
		inserted = append(inserted, stored)
		if !p.comma() {
			break
		}
	}
	s.touch(name)
	t.rows = append(t.rows, inserted...)
	s.countWrites(len(inserted))
	return nil
}

// Query supports SELECT * FROM <table> [WHERE NOT <column>]. Matched rows are
// copied up front, so writes made while iterating do not change the result
// set.
func (s *MemDB) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	p := newStmtParser(query)
	if !p.keywords("SELECT") || !p.symbol("*") || !p.keywords("FROM") {
		return nil, errors.Errorf("memdb: unsupported query: %s", query)
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	t, ok := s.state.tables[name]
	if !ok {
		return nil, errors.Errorf("table %s does not exist", name)
	}
	notCol := ""
	if p.keywords("WHERE") {
		if !p.keywords("NOT") {
			return nil, errors.Errorf("memdb: unsupported WHERE clause: %s", query)
		}
		if notCol, err = p.ident(); err != nil {
			return nil, err
		}
	}
	var out []models.Row
	for _, row := range t.rows {
		if notCol != "" && row[notCol] == true {
			continue
		}
		out = append(out, row.Clone())
	}
	return &memRows{rows: out, pos: -1}, nil
}

type memRows struct {
	rows []models.Row
	pos  int
}

func (r *memRows) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}

func (r *memRows) Scan() (models.Row, error) {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return nil, errors.New("scan called without a current row")
	}
	return r.rows[r.pos], nil
}

func (r *memRows) Err() error   { return nil }
func (r *memRows) Close() error { return nil }

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
