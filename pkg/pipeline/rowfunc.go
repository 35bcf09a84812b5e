package pipeline

import (
	"context"

	"github.com/snorkysnark/ralsei-dev/pkg/models"
)

// RowSeq is a finite, non-restartable sequence of rows. The engine consumes
// it fully or aborts on the first error; it never rewinds one.
type RowSeq interface {
	// Next returns the next row, or false when the sequence is exhausted or
	// has failed.
	Next() (models.Row, bool)
	// Err returns the error that terminated the sequence, if any.
	Err() error
}

// MultiRowFunc turns one input row into a sequence of zero or more output
// rows. Tasks without an input table invoke it once with a single empty row.
// Each invocation must return a fresh sequence. The function may perform
// external I/O; an error aborts the task run.
type MultiRowFunc func(ctx context.Context, in models.Row) (RowSeq, error)

// SingleRowFunc turns one input row into exactly one output row mapping the
// task's declared new columns to values, or fails.
type SingleRowFunc func(ctx context.Context, in models.Row) (models.Row, error)

// RowsOf builds a RowSeq over the given rows.
func RowsOf(rows ...models.Row) RowSeq {
	return &sliceSeq{rows: rows}
}

type sliceSeq struct {
	rows []models.Row
	pos  int
}

func (s *sliceSeq) Next() (models.Row, bool) {
	if s.pos >= len(s.rows) {
		return nil, false
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true
}

func (s *sliceSeq) Err() error { return nil }

// SeqFunc adapts a pull function to a RowSeq. The function returns the next
// row, a nil row once exhausted, or an error that terminates the sequence.
func SeqFunc(next func() (models.Row, error)) RowSeq {
	return &funcSeq{next: next}
}

type funcSeq struct {
	next func() (models.Row, error)
	err  error
	done bool
}

func (s *funcSeq) Next() (models.Row, bool) {
	if s.done {
		return nil, false
	}
	row, err := s.next()
	if err != nil {
		s.err = err
		s.done = true
		return nil, false
	}
	if row == nil {
		s.done = true
		return nil, false
	}
	return row, true
}

func (s *funcSeq) Err() error { return s.err }
