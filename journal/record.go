// Package journal implements the Journal Manager (C5): an append-only,
// self-describing write-ahead log of page images, transaction
// records, and checkpoints, plus crash recovery and copy-back to
// volume files.
//
// Grounded on _examples/gholt-valuestore/valuestorefile_GEN_.go's
// fixed header/entry/trailer framing with a checksummed sequential
// writer, and msg.go's typed, registry-dispatched record framing
// (type tag -> unmarshaller); this package generalizes both into the
// PA/TS/TC/SR/DR/DT/D0/D1/CP/JH/JE/IV/IT record set of §4.5/§6.
package journal

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// RecordType tags a journal record's payload shape (§4.5/§6).
type RecordType uint32

const (
	RecPA RecordType = iota + 1 // page image
	RecTS                       // transaction start
	RecTC                       // transaction commit
	RecSR                       // store
	RecDR                       // delete range
	RecDT                       // delete tree
	RecD0                       // accumulator delta (non-seq)
	RecD1                       // accumulator delta (seq)
	RecCP                       // checkpoint
	RecJH                       // journal file header
	RecJE                       // journal file end
	RecIV                       // volume handle binding
	RecIT                       // tree handle binding
)

func (t RecordType) String() string {
	switch t {
	case RecPA:
		return "PA"
	case RecTS:
		return "TS"
	case RecTC:
		return "TC"
	case RecSR:
		return "SR"
	case RecDR:
		return "DR"
	case RecDT:
		return "DT"
	case RecD0:
		return "D0"
	case RecD1:
		return "D1"
	case RecCP:
		return "CP"
	case RecJH:
		return "JH"
	case RecJE:
		return "JE"
	case RecIV:
		return "IV"
	case RecIT:
		return "IT"
	default:
		return "??"
	}
}

// recordHeaderSize is the fixed prefix before every record's payload
// (§6): 4-byte type, 4-byte payload length, 8-byte timestamp.
const recordHeaderSize = 16

// recordTrailerSize is the murmur3 checksum appended after the
// payload, the supplemented "checksummed journal blocks" feature
// (SPEC_FULL.md §10) grounded on the teacher's murmur3.Sum32 trailer
// in valuestorefile_GEN_.go's recovery().
const recordTrailerSize = 4

// Record is one decoded journal entry.
type Record struct {
	Type      RecordType
	Timestamp int64
	Payload   []byte
}

// ErrChecksumMismatch is returned by readRecord when a record's
// trailer checksum does not match its payload, the signature of a torn
// write at crash time.
var ErrChecksumMismatch = errors.New("journal: record checksum mismatch")

// ErrShortRead is returned by readRecord when fewer bytes remain than
// a complete record requires — the normal, expected way a journal file
// ends mid-record after a crash (not itself a corruption).
var ErrShortRead = errors.New("journal: short read, incomplete trailing record")

func writeRecord(w io.Writer, typ RecordType, ts int64, payload []byte) error {
	header := make([]byte, recordHeaderSize)
	binary.BigEndian.PutUint32(header[0:], uint32(typ))
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	binary.BigEndian.PutUint64(header[8:], uint64(ts))
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "journal: write record header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errors.Wrap(err, "journal: write record payload")
		}
	}
	sum := murmur3.Sum32(payload)
	trailer := make([]byte, recordTrailerSize)
	binary.BigEndian.PutUint32(trailer, sum)
	if _, err := w.Write(trailer); err != nil {
		return errors.Wrap(err, "journal: write record trailer")
	}
	return nil
}

func recordSize(payloadLen int) int {
	return recordHeaderSize + payloadLen + recordTrailerSize
}

// readRecord decodes one record from buf starting at off, returning
// the record, the offset just past it, and an error. ErrShortRead
// signals a clean end-of-data (the normal end of an abruptly
// terminated file); any other error is a genuine corruption.
func readRecord(buf []byte, off int) (rec Record, next int, err error) {
	if off+recordHeaderSize > len(buf) {
		return Record{}, off, ErrShortRead
	}
	header := buf[off : off+recordHeaderSize]
	typ := RecordType(binary.BigEndian.Uint32(header[0:]))
	length := int(binary.BigEndian.Uint32(header[4:]))
	ts := int64(binary.BigEndian.Uint64(header[8:]))
	bodyStart := off + recordHeaderSize
	bodyEnd := bodyStart + length
	trailerEnd := bodyEnd + recordTrailerSize
	if trailerEnd > len(buf) {
		return Record{}, off, ErrShortRead
	}
	payload := buf[bodyStart:bodyEnd]
	wantSum := binary.BigEndian.Uint32(buf[bodyEnd:trailerEnd])
	if murmur3.Sum32(payload) != wantSum {
		return Record{}, off, ErrChecksumMismatch
	}
	cp := make([]byte, length)
	copy(cp, payload)
	return Record{Type: typ, Timestamp: ts, Payload: cp}, trailerEnd, nil
}
