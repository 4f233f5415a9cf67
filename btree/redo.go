package btree

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/bits"
	"os"
	"sync"
	"time"

	"github.com/kvtree/bplustree/common"
)

const (
	redoHeaderMagic uint16 = 0x754C
	redoFooterMagic byte   = 0x24
	redoPadMagic    byte   = 0x42

	redoHeaderSize   = 2 + 4 // magic16 + len32
	redoChecksumSize = 4
	redoFooterSize   = 1

	// Operation markers within a redo payload, per spec.md §4.3.
	redoOpPut    byte = 0xA
	redoOpRemove byte = 0xB
)

// redoEOF is the sentinel Read/ReadFromEnd return for end-of-log or a
// corrupted frame, per spec.md §4.3's "negative sentinel" wording.
const redoEOF int64 = -1

// RedoOptions configures framing and durability behavior, mirroring
// spec.md §4.3's option list.
type RedoOptions struct {
	FlushOnWrite bool
	SyncOnFlush  bool
	AlignBlocks  bool
	BufferSize   int
}

func (o RedoOptions) boundaryBits() uint {
	size := o.BufferSize
	if size < 512 {
		size = 512
	}
	return uint(bits.Len(uint(size - 1)))
}

// RedoLog is the append-only stream of PUT/REMOVE records described in
// spec.md §4.3: HEADER | len32 | payload | CHECKSUM | FOOTER, with
// optional alignment padding between records.
type RedoLog struct {
	path string
	file *os.File
	opts RedoOptions

	mu     sync.Mutex
	offset int64

	writer *redoWriterThread
}

// OpenRedoLog opens (creating if necessary) the redo file at path.
func OpenRedoLog(path string, opts RedoOptions) (*RedoLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open redo log %s: %v", common.ErrIO, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat redo log %s: %v", common.ErrIO, path, err)
	}
	return &RedoLog{path: path, file: f, opts: opts, offset: info.Size()}, nil
}

// EncodePutPayload builds the PUT payload: 0xA | key | value.
func EncodePutPayload(keyBuf, valBuf []byte) []byte {
	out := make([]byte, 1+len(keyBuf)+len(valBuf))
	out[0] = redoOpPut
	copy(out[1:], keyBuf)
	copy(out[1+len(keyBuf):], valBuf)
	return out
}

// EncodeRemovePayload builds the REMOVE payload: 0xB | key.
func EncodeRemovePayload(keyBuf []byte) []byte {
	out := make([]byte, 1+len(keyBuf))
	out[0] = redoOpRemove
	copy(out[1:], keyBuf)
	return out
}

// DecodePayload splits a payload previously built by EncodePutPayload
// or EncodeRemovePayload back into its operation and fields.
func DecodePayload(payload []byte, keyLen int) (op byte, keyBuf, valBuf []byte, err error) {
	if len(payload) < 1+keyLen {
		return 0, nil, nil, fmt.Errorf("btree: truncated redo payload")
	}
	op = payload[0]
	keyBuf = payload[1 : 1+keyLen]
	switch op {
	case redoOpPut:
		valBuf = payload[1+keyLen:]
	case redoOpRemove:
		// no value
	default:
		return 0, nil, nil, fmt.Errorf("btree: reserved redo payload opcode 0x%x", op)
	}
	return op, keyBuf, valBuf, nil
}

func frame(payload []byte) []byte {
	total := redoHeaderSize + len(payload) + redoChecksumSize + redoFooterSize
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], redoHeaderMagic)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[redoHeaderSize:], payload)
	sum := crc32.ChecksumIEEE(payload)
	csOff := redoHeaderSize + len(payload)
	binary.BigEndian.PutUint32(buf[csOff:csOff+4], sum)
	buf[csOff+4] = redoFooterMagic
	return buf
}

// Write appends payload as a framed record and returns the offset the
// record starts at. When AlignBlocks is set and the frame would
// straddle a buffer boundary, the writer first pads to that boundary.
func (r *RedoLog) Write(payload []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := frame(payload)

	if r.opts.AlignBlocks {
		bits := r.opts.boundaryBits()
		boundary := int64(1) << bits
		start := r.offset / boundary
		end := (r.offset + int64(len(buf)) - 1) / boundary
		if start != end {
			if err := r.padToBoundaryLocked(boundary); err != nil {
				return 0, err
			}
		}
	}

	start := r.offset
	if len(buf) > r.effectiveBufferSize() {
		// Direct scatter I/O: header, payload+checksum, footer as
		// separate writes, bypassing the single-buffer fast path.
		if err := r.writeAtLocked(buf[:redoHeaderSize], start); err != nil {
			return 0, err
		}
		mid := buf[redoHeaderSize : len(buf)-redoFooterSize]
		if err := r.writeAtLocked(mid, start+redoHeaderSize); err != nil {
			return 0, err
		}
		if err := r.writeAtLocked(buf[len(buf)-redoFooterSize:], start+int64(len(buf))-redoFooterSize); err != nil {
			return 0, err
		}
	} else {
		if err := r.writeAtLocked(buf, start); err != nil {
			return 0, err
		}
	}
	r.offset = start + int64(len(buf))

	if r.opts.FlushOnWrite {
		if err := r.file.Sync(); err != nil {
			return 0, fmt.Errorf("%w: sync redo log on write: %v", common.ErrIO, err)
		}
	}
	return start, nil
}

func (r *RedoLog) effectiveBufferSize() int {
	if r.opts.BufferSize <= 0 {
		return 4096
	}
	return r.opts.BufferSize
}

func (r *RedoLog) writeAtLocked(buf []byte, offset int64) error {
	if _, err := r.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: write redo log at %d: %v", common.ErrIO, offset, err)
	}
	return nil
}

func (r *RedoLog) padToBoundaryLocked(boundary int64) error {
	next := ((r.offset / boundary) + 1) * boundary
	padLen := next - r.offset
	pad := make([]byte, padLen)
	pad[0] = redoPadMagic
	if err := r.writeAtLocked(pad, r.offset); err != nil {
		return err
	}
	r.offset = next
	return nil
}

// Read returns the raw payload of the record starting at offset and
// the offset of the record that follows it, or redoEOF on end-of-log
// or corruption. Payload bytes are opaque to the log itself; callers
// (the tree engine) know the key/value widths needed to split them
// with DecodePayload. If offset lands on padding, it is skipped to the
// next boundary and retried once.
func (r *RedoLog) Read(offset int64) (next int64, payload []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readLocked(offset, true)
}

func (r *RedoLog) readLocked(offset int64, allowPadSkip bool) (int64, []byte, error) {
	head := make([]byte, redoHeaderSize)
	if _, err := r.file.ReadAt(head, offset); err != nil {
		return redoEOF, nil, nil
	}

	if head[0] == redoPadMagic {
		if !allowPadSkip || !r.opts.AlignBlocks {
			return redoEOF, nil, nil
		}
		bits := r.opts.boundaryBits()
		boundary := int64(1) << bits
		next := ((offset / boundary) + 1) * boundary
		return r.readLocked(next, false)
	}

	magic := binary.BigEndian.Uint16(head[0:2])
	if magic != redoHeaderMagic {
		return redoEOF, nil, nil
	}
	payloadLen := binary.BigEndian.Uint32(head[2:6])

	rest := make([]byte, int(payloadLen)+redoChecksumSize+redoFooterSize)
	if _, err := r.file.ReadAt(rest, offset+redoHeaderSize); err != nil {
		return redoEOF, nil, nil
	}
	payload := rest[:payloadLen]
	wantSum := binary.BigEndian.Uint32(rest[payloadLen : payloadLen+4])
	footer := rest[payloadLen+4]

	if footer != redoFooterMagic || crc32.ChecksumIEEE(payload) != wantSum {
		return redoEOF, nil, nil
	}

	next := offset + redoHeaderSize + int64(payloadLen) + redoChecksumSize + redoFooterSize
	return next, payload, nil
}

// ReadFromEnd reads the payload of the last record in the log, whose
// payload is exactly payloadLen bytes.
func (r *RedoLog) ReadFromEnd(payloadLen int) ([]byte, error) {
	r.mu.Lock()
	size := r.offset
	r.mu.Unlock()

	frameLen := int64(redoHeaderSize + payloadLen + redoChecksumSize + redoFooterSize)
	start := size - frameLen
	if start < 0 {
		return nil, fmt.Errorf("btree: redo log shorter than requested record")
	}
	_, payload, readErr := r.readLocked(start, false)
	if readErr != nil {
		return nil, readErr
	}
	return payload, nil
}

// IsValid reports whether the last byte of the log equals the footer
// magic, the cheap well-formedness check spec.md §4.3 describes.
func (r *RedoLog) IsValid() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offset == 0 {
		return true, nil
	}
	b := make([]byte, 1)
	if _, err := r.file.ReadAt(b, r.offset-1); err != nil {
		return false, fmt.Errorf("%w: read redo log tail: %v", common.ErrIO, err)
	}
	return b[0] == redoFooterMagic, nil
}

// Offset returns the current append offset.
func (r *RedoLog) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// Sync fsyncs the redo file.
func (r *RedoLog) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync redo log: %v", common.ErrIO, err)
	}
	return nil
}

// Truncate discards all redo records. The engine does not call it:
// Sync and Close leave the redo log's records in place.
func (r *RedoLog) Truncate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.file.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncate redo log: %v", common.ErrIO, err)
	}
	r.offset = 0
	return nil
}

// Close closes the redo file, stopping the writer thread first if one
// is running.
func (r *RedoLog) Close() error {
	if r.writer != nil {
		r.writer.Stop()
	}
	return r.file.Close()
}

// redoWriteRequest is one queued append, with a channel the submitter
// blocks on for the resulting offset/error.
type redoWriteRequest struct {
	payload []byte
	done    chan redoWriteResult
}

type redoWriteResult struct {
	offset int64
	err    error
}

// redoWriterThread is the optional dedicated producer goroutine spec.md
// §4.3 and §5 describe: a single goroutine owns all appends to the
// log, guaranteeing redo ordering independent of caller goroutines.
// Shutdown is two-phase: signal the goroutine to drain the queue and
// exit, wait up to 3s, then wait up to 30s more. Nothing is cancelled:
// an in-flight write runs to completion, and Stop returns after the
// second wait even if the goroutine is still running.
type redoWriterThread struct {
	log     *RedoLog
	queue   chan redoWriteRequest
	done    chan struct{}
	stopped chan struct{}
}

// StartWriter interposes a dedicated writer goroutine in front of
// Write, bounded by queueDepth pending requests.
func (r *RedoLog) StartWriter(queueDepth int) {
	w := &redoWriterThread{
		log:     r,
		queue:   make(chan redoWriteRequest, queueDepth),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	r.writer = w
	go w.run()
}

func (w *redoWriterThread) run() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.queue:
			off, err := w.log.Write(req.payload)
			req.done <- redoWriteResult{offset: off, err: err}
		case <-w.done:
			// Drain anything already queued before exiting.
			for {
				select {
				case req := <-w.queue:
					off, err := w.log.Write(req.payload)
					req.done <- redoWriteResult{offset: off, err: err}
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues payload for the writer goroutine and blocks for the
// result, preserving commit-before-return semantics for callers.
func (w *redoWriterThread) Submit(payload []byte) (int64, error) {
	req := redoWriteRequest{payload: payload, done: make(chan redoWriteResult, 1)}
	select {
	case w.queue <- req:
	case <-w.stopped:
		return 0, fmt.Errorf("btree: redo writer is stopped")
	}
	res := <-req.done
	return res.offset, res.err
}

// Stop performs the two-phase shutdown: signal done and wait briefly
// for a graceful drain, then give the goroutine a longer grace period
// to actually exit before returning regardless.
func (w *redoWriterThread) Stop() {
	close(w.done)
	select {
	case <-w.stopped:
	case <-time.After(3 * time.Second):
	}
	select {
	case <-w.stopped:
	case <-time.After(30 * time.Second):
	}
}

// WriteAsync routes through the writer goroutine when one is running,
// preserving a single call site for callers.
func (r *RedoLog) WriteAsync(payload []byte) (int64, error) {
	if r.writer != nil {
		return r.writer.Submit(payload)
	}
	return r.Write(payload)
}
