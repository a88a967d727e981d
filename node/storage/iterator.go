package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
)

// Iterator iterates over a snapshot of the store. Writes made after the
// iterator was created are not visible.
//
// The iterator must be closed once done.
type Iterator struct {
	snap *leveldb.Snapshot
	it   iterator.Iterator

	entry *Entry
	err   error
}

// Next moves to the next entry, returning false when there are no more
// entries or an error occurred.
func (i *Iterator) Next() bool {
	if i.err != nil {
		return false
	}
	if !i.it.Next() {
		return false
	}

	e, err := decodeEntry(i.it.Key(), i.it.Value())
	if err != nil {
		i.err = err
		return false
	}
	i.entry = e
	return true
}

// Entry returns the current entry.
func (i *Iterator) Entry() *Entry {
	return i.entry
}

func (i *Iterator) Err() error {
	if i.err != nil {
		return i.err
	}
	if err := i.it.Error(); err != nil {
		return fmt.Errorf("iterate: %w", err)
	}
	return nil
}

func (i *Iterator) Close() {
	i.it.Release()
	i.snap.Release()
}
