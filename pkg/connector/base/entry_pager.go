// Package base provides shared machinery for source connectors, chiefly the
// resume arithmetic for sources shaped as an ordered list of entries (bulk
// archives, tranche manifests).
package base

import (
	"github.com/openmoleculedata/molingest/pkg/errors"
	"github.com/openmoleculedata/molingest/pkg/models"
)

// EntryCursor is a position inside an ordered entry list: which entry, and
// how many records of that entry have already been consumed.
type EntryCursor struct {
	Entry  int
	Offset int
}

// ParseEntryCursor reads an EntryCursor out of a checkpoint cursor using the
// connector's key names. Missing keys default to zero; negative values are
// checkpoint corruption.
func ParseEntryCursor(cur models.Cursor, entryKey, offsetKey string) (EntryCursor, error) {
	var ec EntryCursor
	if cur == nil {
		return ec, nil
	}
	if v, ok := cur.Int(entryKey); ok {
		ec.Entry = v
	}
	if v, ok := cur.Int(offsetKey); ok {
		ec.Offset = v
	}
	if ec.Entry < 0 || ec.Offset < 0 {
		return EntryCursor{}, errors.Newf(errors.ErrorTypeCheckpoint,
			"corrupt cursor: %s=%d %s=%d", entryKey, ec.Entry, offsetKey, ec.Offset)
	}
	return ec, nil
}

// CursorFunc renders an EntryCursor in a connector's cursor vocabulary.
type CursorFunc func(EntryCursor) models.Cursor

// EmitFunc delivers a finished page downstream.
type EmitFunc func(*models.Page) error

// EntryPager turns a connector's record iteration over an entry list into
// correctly-cursored pages. It holds the skip/flush decisions in one place
// so connectors only drive I/O.
//
// A full batch is not emitted until the pager learns whether another record
// follows: a batch completed mid-entry carries an in-entry cursor, while a
// batch completed exactly at an entry boundary carries a next-entry cursor
// (or none, at the end of the last entry). That keeps resume positions exact
// in both cases.
type EntryPager struct {
	entryCount int
	batchSize  int
	resume     EntryCursor
	cursorFor  CursorFunc
	emit       EmitFunc

	entry     int // current entry index
	processed int // records consumed in current entry, skips included
	batch     []models.Record
	terminal  bool // a page with no cursor has been emitted
}

// NewEntryPager creates a pager over entryCount entries resuming at resume.
func NewEntryPager(entryCount, batchSize int, resume EntryCursor, cursorFor CursorFunc, emit EmitFunc) *EntryPager {
	return &EntryPager{
		entryCount: entryCount,
		batchSize:  batchSize,
		resume:     resume,
		cursorFor:  cursorFor,
		emit:       emit,
		batch:      make([]models.Record, 0, batchSize),
	}
}

// Resume returns the position iteration must start from.
func (p *EntryPager) Resume() EntryCursor {
	return p.resume
}

// BeginEntry positions the pager at an entry and returns how many leading
// records the connector must skip before emitting. The skip must be exact;
// the connector reports the records it actually saw to FinishEntry.
func (p *EntryPager) BeginEntry(entryIndex int) int {
	p.entry = entryIndex
	p.processed = 0
	if entryIndex == p.resume.Entry {
		p.processed = p.resume.Offset
		return p.resume.Offset
	}
	return 0
}

// Add appends one record from the current entry. A previously-filled batch
// is flushed first with an in-entry cursor, since this record proves the
// entry continues.
func (p *EntryPager) Add(rec models.Record) error {
	if len(p.batch) >= p.batchSize {
		if err := p.flush(p.cursorFor(EntryCursor{Entry: p.entry, Offset: p.processed})); err != nil {
			return err
		}
	}
	p.batch = append(p.batch, rec)
	p.processed++
	return nil
}

// FinishEntry completes the current entry after the connector has consumed
// all its records. totalRecords is the entry's full record count, skipped
// records included. Any buffered batch is flushed with a cursor pointing at
// the next entry, or with no cursor when this was the last entry.
func (p *EntryPager) FinishEntry(totalRecords int) error {
	if skip := p.BeginEntrySkip(); totalRecords < skip {
		return errors.Newf(errors.ErrorTypeCheckpoint,
			"resume offset %d exceeds entry %d record count %d", skip, p.entry, totalRecords)
	}

	if len(p.batch) == 0 {
		return nil
	}

	var next models.Cursor
	if p.entry+1 < p.entryCount {
		next = p.cursorFor(EntryCursor{Entry: p.entry + 1, Offset: 0})
	}
	return p.flush(next)
}

// BeginEntrySkip returns the skip count of the current entry.
func (p *EntryPager) BeginEntrySkip() int {
	if p.entry == p.resume.Entry {
		return p.resume.Offset
	}
	return 0
}

// Finish completes the sequence. If no terminal page was produced (the
// entry list was empty, or a resumed run had nothing left to consume), one
// empty page with no cursor is emitted so the caller can still mark the
// source completed.
func (p *EntryPager) Finish() error {
	if p.terminal {
		return nil
	}
	return p.emit(&models.Page{Records: nil, NextCursor: nil})
}

func (p *EntryPager) flush(next models.Cursor) error {
	records := make([]models.Record, len(p.batch))
	copy(records, p.batch)
	p.batch = p.batch[:0]
	if next == nil {
		p.terminal = true
	}
	return p.emit(&models.Page{Records: records, NextCursor: next})
}
