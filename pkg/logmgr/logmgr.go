// Package logmgr is the write-ahead log: an append-only, length-prefixed
// record stream where the LSN is the record's byte offset, plus the
// human-readable trace and periodic-checkpoint scheduler that ride along
// with it.
package logmgr

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/intellect4all/storage-engines/pkg/disk"
	"github.com/intellect4all/storage-engines/pkg/kverrors"
	"github.com/intellect4all/storage-engines/pkg/page"
)

// RecordType identifies one of spec.md §3.5's five log record kinds.
type RecordType byte

const (
	TypeBegin RecordType = iota + 1
	TypeUpdate
	TypeCommit
	TypeRollback
	TypeCLR
)

const magic uint32 = 0x4152574c // "ARWL"

// TrxID is a transaction identifier; 0 means "no transaction" per spec.md
// §3.3.
type TrxID int64

// Record is one WAL entry. Table/Page/SlotOffset/Size/Before/After are only
// populated for UPDATE and CLR; NextUndoLSN only for CLR.
type Record struct {
	LSN         int64
	PrevLSN     int64
	TrxID       TrxID
	Type        RecordType
	Table       disk.TableID
	Page        page.ID
	SlotOffset  uint16
	Size        uint16
	Before      []byte
	After       []byte
	NextUndoLSN int64
}

// TraceLevel controls the human-readable trace written to logmsg_path,
// supplementing spec.md §4.5 with original_source's verbosity flag.
type TraceLevel int

const (
	TraceQuiet TraceLevel = iota
	TraceNormal
	TraceVerbose
)

// Manager is the process-wide log manager: one append-only file, a
// monotonically increasing LSN space, and a flushed_LSN watermark.
type Manager struct {
	mu         sync.Mutex
	f          *os.File
	w          *bufio.Writer
	nextLSN    int64
	flushedLSN int64

	trace      io.Writer
	traceLevel TraceLevel
	runID      uuid.UUID

	scheduler *cron.Cron
}

// New opens (creating if absent) the log file at logPath and the trace
// writer at logmsgPath.
func New(logPath, logmsgPath string, traceLevel TraceLevel) (*Manager, error) {
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("logmgr: open %s: %w", logPath, kverrors.ErrIo)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("logmgr: seek %s: %w", logPath, kverrors.ErrIo)
	}

	var trace io.Writer = io.Discard
	if logmsgPath != "" {
		tf, err := os.OpenFile(logmsgPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("logmgr: open trace %s: %w", logmsgPath, kverrors.ErrIo)
		}
		trace = tf
	}

	m := &Manager{
		f:          f,
		w:          bufio.NewWriter(f),
		nextLSN:    size,
		flushedLSN: size,
		trace:      trace,
		traceLevel: traceLevel,
		runID:      uuid.New(),
	}
	m.tracef("--- run %s starting at LSN %d ---\n", m.runID, size)
	return m, nil
}

func (m *Manager) tracef(format string, args ...any) {
	if m.traceLevel == TraceQuiet || m.trace == nil {
		return
	}
	fmt.Fprintf(m.trace, format, args...)
}

// Append assigns rec the next LSN, encodes it, and buffers it for write
// (log_write, spec.md §4.5). The caller must still call FlushTo before any
// dependent page write or transaction-commit return.
func (m *Manager) Append(rec Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.LSN = m.nextLSN
	buf := encode(rec)
	if _, err := m.w.Write(buf); err != nil {
		return 0, fmt.Errorf("logmgr: append: %w", kverrors.ErrIo)
	}
	m.nextLSN += int64(len(buf))

	if m.traceLevel >= TraceNormal {
		m.tracef("LSN=%d prevLSN=%d trx=%d type=%v\n", rec.LSN, rec.PrevLSN, rec.TrxID, rec.Type)
		if m.traceLevel == TraceVerbose && (rec.Type == TypeUpdate || rec.Type == TypeCLR) {
			m.tracef("  before=%x after=%x\n", rec.Before, rec.After)
		}
	}
	return rec.LSN, nil
}

// FlushTo ensures every record up to and including lsn is durable
// (log_flush_to). Since the buffer is always flushed in full, any lsn that
// has already been appended is covered.
func (m *Manager) FlushTo(lsn int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushedLSN > lsn {
		return nil
	}
	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("logmgr: flush: %w", kverrors.ErrIo)
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("logmgr: fsync: %w", kverrors.ErrIo)
	}
	m.flushedLSN = m.nextLSN
	return nil
}

// ReadAll reads every record in LSN order, for recovery's analysis and redo
// passes.
func (m *Manager) ReadAll() ([]Record, error) {
	m.mu.Lock()
	if err := m.w.Flush(); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("logmgr: flush before read: %w", kverrors.ErrIo)
	}
	tail := m.nextLSN
	m.mu.Unlock()

	r := io.NewSectionReader(m.f, 0, tail)
	var out []Record
	for {
		offset, _ := r.Seek(0, io.SeekCurrent)
		rec, err := decode(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("logmgr: decode at offset %d: %w", offset, kverrors.ErrCorrupt)
		}
		rec.LSN = offset
		out = append(out, rec)
	}
	return out, nil
}

// ReadAt decodes the single record starting at byte offset lsn, for
// trx_abort's last_LSN -> prev_LSN chase and recovery's undo pass.
func (m *Manager) ReadAt(lsn int64) (Record, error) {
	m.mu.Lock()
	if err := m.w.Flush(); err != nil {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("logmgr: flush before read: %w", kverrors.ErrIo)
	}
	tail := m.nextLSN
	m.mu.Unlock()

	if lsn < 0 || lsn >= tail {
		return Record{}, fmt.Errorf("logmgr: LSN %d out of range: %w", lsn, kverrors.ErrCorrupt)
	}
	r := io.NewSectionReader(m.f, lsn, tail-lsn)
	rec, err := decode(r)
	if err != nil {
		return Record{}, fmt.Errorf("logmgr: decode at LSN %d: %w", lsn, kverrors.ErrCorrupt)
	}
	rec.LSN = lsn
	return rec, nil
}

// StartScheduler runs a periodic FlushTo(current tail) on cronExpr,
// bounding data loss below an explicit commit flush (SPEC_FULL §4.7).
func (m *Manager) StartScheduler(cronExpr string) error {
	m.scheduler = cron.New()
	_, err := m.scheduler.AddFunc(cronExpr, func() {
		m.mu.Lock()
		tail := m.nextLSN
		m.mu.Unlock()
		_ = m.FlushTo(tail)
	})
	if err != nil {
		return fmt.Errorf("logmgr: bad cron expression %q: %w", cronExpr, kverrors.ErrInvalidArg)
	}
	m.scheduler.Start()
	return nil
}

// Close stops the scheduler (if any), flushes, and closes the log and
// trace files.
func (m *Manager) Close() error {
	if m.scheduler != nil {
		ctx := m.scheduler.Stop()
		<-ctx.Done()
	}
	if err := m.FlushTo(m.nextLSN); err != nil {
		return err
	}
	if closer, ok := m.trace.(io.Closer); ok {
		closer.Close()
	}
	return m.f.Close()
}

// Tail returns the current (unflushed-inclusive) next LSN, used by
// trx_commit to know what to flush through.
func (m *Manager) Tail() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLSN
}

// --- wire encoding: magic(4) length(4) payload(length) crc32(4) ---

func encode(rec Record) []byte {
	payload := make([]byte, 0, 64+len(rec.Before)+len(rec.After))
	put := func(v int64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v))
		payload = append(payload, b[:]...)
	}
	put(rec.PrevLSN)
	put(int64(rec.TrxID))
	payload = append(payload, byte(rec.Type))
	put(int64(rec.Table))
	put(int64(rec.Page))
	var b2 [2]byte
	binary.BigEndian.PutUint16(b2[:], rec.SlotOffset)
	payload = append(payload, b2[:]...)
	binary.BigEndian.PutUint16(b2[:], rec.Size)
	payload = append(payload, b2[:]...)
	put(rec.NextUndoLSN)
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], uint32(len(rec.Before)))
	payload = append(payload, b4[:]...)
	payload = append(payload, rec.Before...)
	binary.BigEndian.PutUint32(b4[:], uint32(len(rec.After)))
	payload = append(payload, b4[:]...)
	payload = append(payload, rec.After...)

	out := make([]byte, 0, 12+len(payload))
	var magicB, lenB [4]byte
	binary.BigEndian.PutUint32(magicB[:], magic)
	binary.BigEndian.PutUint32(lenB[:], uint32(len(payload)))
	out = append(out, magicB[:]...)
	out = append(out, lenB[:]...)
	out = append(out, payload...)
	sum := crc32.ChecksumIEEE(payload)
	var sumB [4]byte
	binary.BigEndian.PutUint32(sumB[:], sum)
	out = append(out, sumB[:]...)
	return out
}

func decode(r io.Reader) (Record, error) {
	var rec Record
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return rec, io.EOF
		}
		return rec, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != magic {
		return rec, kverrors.ErrCorrupt
	}
	length := binary.BigEndian.Uint32(hdr[4:8])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return rec, kverrors.ErrCorrupt
	}
	var sumB [4]byte
	if _, err := io.ReadFull(r, sumB[:]); err != nil {
		return rec, kverrors.ErrCorrupt
	}
	if binary.BigEndian.Uint32(sumB[:]) != crc32.ChecksumIEEE(payload) {
		return rec, kverrors.ErrCorrupt
	}

	p := payload
	geti64 := func() int64 {
		v := int64(binary.BigEndian.Uint64(p[:8]))
		p = p[8:]
		return v
	}
	rec.PrevLSN = geti64()
	rec.TrxID = TrxID(geti64())
	rec.Type = RecordType(p[0])
	p = p[1:]
	rec.Table = disk.TableID(geti64())
	rec.Page = page.ID(geti64())
	rec.SlotOffset = binary.BigEndian.Uint16(p[:2])
	p = p[2:]
	rec.Size = binary.BigEndian.Uint16(p[:2])
	p = p[2:]
	rec.NextUndoLSN = geti64()
	beforeLen := binary.BigEndian.Uint32(p[:4])
	p = p[4:]
	rec.Before = append([]byte(nil), p[:beforeLen]...)
	p = p[beforeLen:]
	afterLen := binary.BigEndian.Uint32(p[:4])
	p = p[4:]
	rec.After = append([]byte(nil), p[:afterLen]...)

	return rec, nil
}
