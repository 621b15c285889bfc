package wal

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/rawstore/src/pkg/common"
)

// Iterator walks the log forward across file boundaries. It holds no locks
// between calls, records appended while iterating are visited too.
type Iterator struct {
	l   *Logger
	num uint32
	off uint32

	rec Record
	err error
}

// Iterate starts at from, or at the oldest kept record when from is nil.
func (l *Logger) Iterate(from common.LSN) *Iterator {
	if from.IsNil() {
		from = l.FirstLSN()
	}

	return &Iterator{
		l:   l,
		num: from.File(),
		off: from.Offset(),
	}
}

func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}

	it.l.mu.Lock()
	defer it.l.mu.Unlock()

	for {
		if it.num > it.l.fileNum {
			return false
		}

		payload, size, err := it.l.readFrameLocked(it.num, it.off)
		if errors.Is(err, errEndOfFile) {
			if it.num == it.l.fileNum {
				return false
			}
			it.num = it.l.nextFileLocked(it.num)
			it.off = logFileHeaderSize
			continue
		}
		if err != nil {
			it.err = err
			return false
		}

		lsn := common.NewLSN(it.num, it.off)
		it.rec, err = decodePayload(lsn, payload)
		if err != nil {
			it.err = err
			return false
		}

		it.off += size
		return true
	}
}

func (it *Iterator) Record() Record {
	return it.rec
}

func (it *Iterator) Err() error {
	return it.err
}

func (l *Logger) nextFileLocked(num uint32) uint32 {
	next := l.fileNum
	for n := range l.files {
		if n > num && n < next {
			next = n
		}
	}
	return next
}
