package journal

import "encoding/binary"

// Each encode*/decode* pair defines one record type's payload layout,
// all big-endian per §6. Variable-length fields are always
// length-prefixed with a 4-byte count.

func encodePA(volumeID int32, addr uint32, page []byte) []byte {
	buf := make([]byte, 4+4+4+len(page))
	binary.BigEndian.PutUint32(buf[0:], uint32(volumeID))
	binary.BigEndian.PutUint32(buf[4:], addr)
	binary.BigEndian.PutUint32(buf[8:], uint32(len(page)))
	copy(buf[12:], page)
	return buf
}

type paPayload struct {
	VolumeID int32
	Address  uint32
	Page     []byte
}

func decodePA(p []byte) paPayload {
	n := int(binary.BigEndian.Uint32(p[8:]))
	return paPayload{
		VolumeID: int32(binary.BigEndian.Uint32(p[0:])),
		Address:  binary.BigEndian.Uint32(p[4:]),
		Page:     append([]byte(nil), p[12:12+n]...),
	}
}

func encodeTC(commitTs int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(commitTs))
	return buf
}

func decodeTC(p []byte) int64 {
	return int64(binary.BigEndian.Uint64(p))
}

type keyedOpPayload struct {
	VolumeID   int32
	TreeHandle int32
	TxnStartTs int64
	A, B       []byte
}

func encodeSR(volumeID, treeHandle int32, txnStartTs int64, key, value []byte) []byte {
	return encodeKeyedOp(volumeID, treeHandle, txnStartTs, key, value)
}

func encodeDR(volumeID, treeHandle int32, txnStartTs int64, from, to []byte) []byte {
	return encodeKeyedOp(volumeID, treeHandle, txnStartTs, from, to)
}

func encodeKeyedOp(volumeID, treeHandle int32, txnStartTs int64, a, b []byte) []byte {
	buf := make([]byte, 4+4+8+4+len(a)+4+len(b))
	o := 0
	binary.BigEndian.PutUint32(buf[o:], uint32(volumeID))
	o += 4
	binary.BigEndian.PutUint32(buf[o:], uint32(treeHandle))
	o += 4
	binary.BigEndian.PutUint64(buf[o:], uint64(txnStartTs))
	o += 8
	binary.BigEndian.PutUint32(buf[o:], uint32(len(a)))
	o += 4
	copy(buf[o:], a)
	o += len(a)
	binary.BigEndian.PutUint32(buf[o:], uint32(len(b)))
	o += 4
	copy(buf[o:], b)
	return buf
}

func decodeKeyedOp(p []byte) keyedOpPayload {
	o := 0
	volumeID := int32(binary.BigEndian.Uint32(p[o:]))
	o += 4
	treeHandle := int32(binary.BigEndian.Uint32(p[o:]))
	o += 4
	txnStartTs := int64(binary.BigEndian.Uint64(p[o:]))
	o += 8
	aLen := int(binary.BigEndian.Uint32(p[o:]))
	o += 4
	a := append([]byte(nil), p[o:o+aLen]...)
	o += aLen
	bLen := int(binary.BigEndian.Uint32(p[o:]))
	o += 4
	b := append([]byte(nil), p[o:o+bLen]...)
	return keyedOpPayload{VolumeID: volumeID, TreeHandle: treeHandle, TxnStartTs: txnStartTs, A: a, B: b}
}

func encodeDT(volumeID, treeHandle int32, txnStartTs int64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:], uint32(volumeID))
	binary.BigEndian.PutUint32(buf[4:], uint32(treeHandle))
	binary.BigEndian.PutUint64(buf[8:], uint64(txnStartTs))
	return buf
}

type dtPayload struct {
	VolumeID   int32
	TreeHandle int32
	TxnStartTs int64
}

func decodeDT(p []byte) dtPayload {
	return dtPayload{
		VolumeID:   int32(binary.BigEndian.Uint32(p[0:])),
		TreeHandle: int32(binary.BigEndian.Uint32(p[4:])),
		TxnStartTs: int64(binary.BigEndian.Uint64(p[8:])),
	}
}

// AccumulatorKind mirrors the root package's enum without importing it
// (journal must not import persistit, to avoid a cycle); callers pass
// the numeric kind through unchanged.
type AccumulatorKind int32

func encodeAccumDelta(volumeID, treeHandle int32, accumIndex int32, kind AccumulatorKind, txnStartTs, value int64) []byte {
	buf := make([]byte, 4+4+4+4+8+8)
	o := 0
	binary.BigEndian.PutUint32(buf[o:], uint32(volumeID))
	o += 4
	binary.BigEndian.PutUint32(buf[o:], uint32(treeHandle))
	o += 4
	binary.BigEndian.PutUint32(buf[o:], uint32(accumIndex))
	o += 4
	binary.BigEndian.PutUint32(buf[o:], uint32(kind))
	o += 4
	binary.BigEndian.PutUint64(buf[o:], uint64(txnStartTs))
	o += 8
	binary.BigEndian.PutUint64(buf[o:], uint64(value))
	return buf
}

type accumDeltaPayload struct {
	VolumeID   int32
	TreeHandle int32
	AccumIndex int32
	Kind       AccumulatorKind
	TxnStartTs int64
	Value      int64
}

func decodeAccumDelta(p []byte) accumDeltaPayload {
	return accumDeltaPayload{
		VolumeID:   int32(binary.BigEndian.Uint32(p[0:])),
		TreeHandle: int32(binary.BigEndian.Uint32(p[4:])),
		AccumIndex: int32(binary.BigEndian.Uint32(p[8:])),
		Kind:       AccumulatorKind(binary.BigEndian.Uint32(p[12:])),
		TxnStartTs: int64(binary.BigEndian.Uint64(p[16:])),
		Value:      int64(binary.BigEndian.Uint64(p[24:])),
	}
}

func encodeCP(baseAddress int64, activeTs []int64) []byte {
	buf := make([]byte, 8+4+8*len(activeTs))
	binary.BigEndian.PutUint64(buf[0:], uint64(baseAddress))
	binary.BigEndian.PutUint32(buf[8:], uint32(len(activeTs)))
	o := 12
	for _, ts := range activeTs {
		binary.BigEndian.PutUint64(buf[o:], uint64(ts))
		o += 8
	}
	return buf
}

type cpPayload struct {
	BaseAddress int64
	ActiveTs    []int64
}

func decodeCP(p []byte) cpPayload {
	base := int64(binary.BigEndian.Uint64(p[0:]))
	n := int(binary.BigEndian.Uint32(p[8:]))
	active := make([]int64, n)
	o := 12
	for i := 0; i < n; i++ {
		active[i] = int64(binary.BigEndian.Uint64(p[o:]))
		o += 8
	}
	return cpPayload{BaseAddress: base, ActiveTs: active}
}

func encodeJH(blockSequence, blockSize int64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:], uint64(blockSequence))
	binary.BigEndian.PutUint64(buf[8:], uint64(blockSize))
	return buf
}

func decodeJH(p []byte) (blockSequence, blockSize int64) {
	return int64(binary.BigEndian.Uint64(p[0:])), int64(binary.BigEndian.Uint64(p[8:]))
}

func encodeIV(volumeID int32, name string) []byte {
	buf := make([]byte, 4+4+len(name))
	binary.BigEndian.PutUint32(buf[0:], uint32(volumeID))
	binary.BigEndian.PutUint32(buf[4:], uint32(len(name)))
	copy(buf[8:], name)
	return buf
}

type ivPayload struct {
	VolumeID int32
	Name     string
}

func decodeIV(p []byte) ivPayload {
	n := int(binary.BigEndian.Uint32(p[4:]))
	return ivPayload{VolumeID: int32(binary.BigEndian.Uint32(p[0:])), Name: string(p[8 : 8+n])}
}

func encodeIT(treeHandle, volumeID int32, name string) []byte {
	buf := make([]byte, 4+4+4+len(name))
	binary.BigEndian.PutUint32(buf[0:], uint32(treeHandle))
	binary.BigEndian.PutUint32(buf[4:], uint32(volumeID))
	binary.BigEndian.PutUint32(buf[8:], uint32(len(name)))
	copy(buf[12:], name)
	return buf
}

type itPayload struct {
	TreeHandle int32
	VolumeID   int32
	Name       string
}

func decodeIT(p []byte) itPayload {
	n := int(binary.BigEndian.Uint32(p[8:]))
	return itPayload{
		TreeHandle: int32(binary.BigEndian.Uint32(p[0:])),
		VolumeID:   int32(binary.BigEndian.Uint32(p[4:])),
		Name:       string(p[12 : 12+n]),
	}
}
