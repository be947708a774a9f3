package compaction

import (
	"bytes"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/tscompact/annotation"
	"github.com/grailbio/tscompact/encoding/qual"
	"github.com/grailbio/tscompact/store"
)

const (
	// AnnotationPrefix is the first byte of every annotation cell's
	// qualifier. Annotation qualifiers have odd length.
	AnnotationPrefix = 0x05
)

// AppendQualifier is the sentinel qualifier of an append-style cell
// whose value is already in canonical form. It shares its first byte
// with AnnotationPrefix, so the exact match is tested first.
var AppendQualifier = []byte{0x05, 0x00, 0x00}

// Outcome describes what Merge did with a row's cells.
type Outcome int

const (
	// Empty: no datapoint cells remained after preprocessing.
	Empty Outcome = iota
	// SingleKept: one cell remained and was passed through (after the
	// float repair, when applicable). Nothing needs rewriting.
	SingleKept
	// TrivialMerged: every input cell held a single datapoint and the
	// cells were concatenated in order.
	TrivialMerged
	// ComplexMerged: at least one input cell held multiple datapoints,
	// or duplicate points had to be collapsed.
	ComplexMerged
	// AlreadyAppended: the row carries an append-style cell whose value
	// is already canonical.
	AlreadyAppended
)

func (o Outcome) String() string {
	switch o {
	case Empty:
		return "empty"
	case SingleKept:
		return "single"
	case TrivialMerged:
		return "trivial"
	case ComplexMerged:
		return "complex"
	case AlreadyAppended:
		return "appended"
	}
	return "unknown"
}

// MalformedRowError reports a row whose cells cannot be merged:
// conflicting duplicate points, out-of-order offsets inside a merged
// cell, truncated qualifiers, or corrupt annotation JSON. The row must
// not be retried; it needs operator repair.
type MalformedRowError struct {
	Reason string
}

func (e *MalformedRowError) Error() string { return "malformed row: " + e.Reason }

// IsMalformedRow reports whether err marks a row as corrupt.
func IsMalformedRow(err error) bool {
	_, ok := err.(*MalformedRowError)
	return ok
}

// Result is the outcome of merging one row's cells.
type Result struct {
	// Cell is the canonical cell: qualifiers concatenated in ascending
	// time order, values concatenated with one trailing meta byte.
	// Unset when Outcome is Empty.
	Cell store.Cell
	// Outcome records which merge path produced Cell.
	Outcome Outcome
	// Write is true when Cell differs from what the store already
	// holds and should be written back.
	Write bool
	// Deletes lists the qualifiers of the original cells to remove
	// after the canonical cell is in place.
	Deletes [][]byte
	// Annotations holds the decoded annotation cells of the row.
	Annotations []annotation.Annotation
}

// Merge collapses one row's cells into a single canonical cell.
//
// Annotation cells are decoded into Result.Annotations and excluded
// from the merge. An append-style cell short-circuits the merge: its
// value is already canonical. Malformed cells (odd or empty
// qualifiers that are neither) are dropped. Duplicate datapoints with
// identical flags and value collapse to one; duplicates that disagree
// make the whole row malformed.
func Merge(cells []store.Cell) (Result, error) {
	var (
		res         Result
		kept        []store.Cell
		msInRow     bool
		sInRow      bool
		longest     = -1
		appendCell  *store.Cell
		needComplex bool
	)
	for i := range cells {
		c := cells[i]
		q := c.Qualifier
		single := len(q) == 2 || (len(q) == 4 && qual.IsMS(q))
		if !single {
			if bytes.Equal(q, AppendQualifier) {
				if appendCell != nil {
					log.Error.Printf("compaction: row has more than one append cell, keeping the first")
					continue
				}
				appendCell = &cells[i]
				continue
			}
			if len(q)%2 == 1 && q[0] == AnnotationPrefix {
				a, err := annotation.Parse(c.Value)
				if err != nil {
					return Result{}, &MalformedRowError{Reason: err.Error()}
				}
				res.Annotations = append(res.Annotations, a)
				continue
			}
			if len(q) == 0 || len(q)%2 == 1 {
				log.Debug.Printf("compaction: dropping cell with malformed qualifier %x", q)
				continue
			}
			// Even length > 4 (or 4 without the ms flag): a previously
			// merged cell.
			needComplex = true
			if n := len(c.Value); n > 0 && qual.Mixed(c.Value[n-1]) {
				msInRow, sInRow = true, true
			} else if qual.IsMS(q) {
				msInRow = true
			} else {
				sInRow = true
			}
		} else if qual.IsMS(q) {
			msInRow = true
		} else {
			sInRow = true
		}
		kept = append(kept, c)
		if longest < 0 || len(q) > len(kept[longest].Qualifier) {
			longest = len(kept) - 1
		}
	}

	if appendCell != nil {
		if len(kept) > 0 {
			log.Error.Printf("compaction: row mixes an append cell with %d datapoint cells; leaving the datapoints in place", len(kept))
		}
		res.Cell = *appendCell
		res.Outcome = AlreadyAppended
		return res, nil
	}
	switch len(kept) {
	case 0:
		res.Outcome = Empty
		return res, nil
	case 1:
		return mergeSingle(res, kept[0], needComplex)
	}
	if !needComplex {
		return mergeTrivial(res, kept, longest, msInRow && sInRow)
	}
	return mergeComplex(res, kept, longest, msInRow && sInRow)
}

// mergeSingle handles a row that is down to one cell. An already
// merged cell is canonical as it stands. A bare datapoint is repaired
// if it carries the legacy float encoding and returned in canonical
// form (value plus meta byte), but never written back: compacting a
// lone point gains nothing.
func mergeSingle(res Result, c store.Cell, merged bool) (Result, error) {
	res.Outcome = SingleKept
	if merged {
		res.Cell = c
		return res, nil
	}
	pts, err := qual.CellPoints(c)
	if err != nil {
		return Result{}, &MalformedRowError{Reason: err.Error()}
	}
	p := pts[0]
	v := make([]byte, 0, len(p.Value)+1)
	v = append(v, p.Value...)
	v = append(v, 0)
	res.Cell = store.Cell{Qualifier: p.Qualifier, Value: v}
	return res, nil
}

// mergeTrivial concatenates single-datapoint cells in time order. If
// the row mixes resolutions the cells are sorted by normalized time
// first; otherwise the store's scan order is already ascending. A
// non-increasing offset means duplicates are present, and the merge
// falls back to the complex path to collapse them.
func mergeTrivial(res Result, kept []store.Cell, longest int, mixed bool) (Result, error) {
	pts := make([]qual.Point, 0, len(kept))
	for _, c := range kept {
		p, err := qual.CellPoints(c)
		if err != nil {
			return Result{}, &MalformedRowError{Reason: err.Error()}
		}
		pts = append(pts, p[0])
	}
	if mixed {
		sortPoints(pts)
	}
	qlen, vlen := 0, 0
	for i := range pts {
		if i > 0 && pts[i].Key <= pts[i-1].Key {
			return mergeComplex(res, kept, longest, mixed)
		}
		qlen += len(pts[i].Qualifier)
		vlen += len(pts[i].Value)
	}
	res.Cell = assemble(pts, nil, qlen, vlen, mixed)
	res.Outcome = TrivialMerged
	res.Write = true
	res.Deletes = qualifiers(kept)
	return res, nil
}

// mergeComplex flattens every cell to per-datapoint entries, collapses
// true duplicates, and rejects conflicting ones.
func mergeComplex(res Result, kept []store.Cell, longest int, mixed bool) (Result, error) {
	pts, err := qual.Points(kept)
	if err != nil {
		return Result{}, &MalformedRowError{Reason: err.Error()}
	}
	skip := make([]bool, len(pts))
	qlen, vlen := 0, 0
	last := -1 // index of the last non-skipped point
	for i := range pts {
		if last >= 0 && pts[i].Key == pts[last].Key {
			prev := &pts[last]
			if qual.Flags(prev.Qualifier) == qual.Flags(pts[i].Qualifier) && bytes.Equal(prev.Value, pts[i].Value) {
				skip[i] = true
				continue
			}
			return Result{}, &MalformedRowError{
				Reason: fmt.Sprintf("duplicate offset with conflicting values: qualifiers %x/%x",
					prev.Qualifier, pts[i].Qualifier),
			}
		}
		last = i
		qlen += len(pts[i].Qualifier)
		vlen += len(pts[i].Value)
	}
	res.Cell = assemble(pts, skip, qlen, vlen, mixed)
	res.Outcome = ComplexMerged
	res.Write = true
	res.Deletes = qualifiers(kept)

	// The canonical qualifier can coincide with a pre-existing merged
	// cell, e.g. when a row is re-compacted after a stray write at an
	// offset it already covers. Writing is then redundant, and the
	// matching original must leave the delete list or the delete would
	// erase the canonical cell itself.
	if longest >= 0 && len(res.Cell.Qualifier) <= len(kept[longest].Qualifier) {
		match := -1
		if bytes.Equal(res.Cell.Qualifier, kept[longest].Qualifier) {
			match = longest
		} else {
			for i := range kept {
				if bytes.Equal(res.Cell.Qualifier, kept[i].Qualifier) {
					match = i
					break
				}
			}
		}
		if match >= 0 {
			if bytes.Equal(res.Cell.Value, kept[match].Value) {
				res.Write = false
			}
			deletes := res.Deletes[:0]
			for _, q := range res.Deletes {
				if !bytes.Equal(q, res.Cell.Qualifier) {
					deletes = append(deletes, q)
				}
			}
			res.Deletes = deletes
		}
	}
	return res, nil
}

// assemble copies the non-skipped points into exact-size buffers and
// appends the meta byte.
func assemble(pts []qual.Point, skip []bool, qlen, vlen int, mixed bool) store.Cell {
	qbuf := make([]byte, 0, qlen)
	vbuf := make([]byte, 0, vlen+1)
	for i := range pts {
		if skip != nil && skip[i] {
			continue
		}
		qbuf = append(qbuf, pts[i].Qualifier...)
		vbuf = append(vbuf, pts[i].Value...)
	}
	var meta byte
	if mixed {
		meta |= qual.MSMixedCompact
	}
	vbuf = append(vbuf, meta)
	return store.Cell{Qualifier: qbuf, Value: vbuf}
}

func sortPoints(pts []qual.Point) {
	// Insertion sort: the slices are small and almost always already
	// ordered except for the resolution interleave.
	for i := 1; i < len(pts); i++ {
		for j := i; j > 0 && pts[j].Key < pts[j-1].Key; j-- {
			pts[j], pts[j-1] = pts[j-1], pts[j]
		}
	}
}

func qualifiers(cells []store.Cell) [][]byte {
	qs := make([][]byte, len(cells))
	for i := range cells {
		qs[i] = cells[i].Qualifier
	}
	return qs
}
