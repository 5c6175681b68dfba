package csr

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xupit3r/clrun/internal/logging"
	"github.com/xupit3r/clrun/internal/memory"
)

// AUB stream layout: a header of magic "AUB1" and a version dword, then
// records of {type u32, engine u32, address u64, length u32, payload}.
const (
	aubMagic   = "AUB1"
	aubVersion = 1

	aubRecordHeaderSize = 20
	maxAUBPayload       = 1 << 30
)

// AUBRecordType tags each record in a dump
type AUBRecordType uint32

const (
	AUBMemoryWrite AUBRecordType = 1
	AUBExec        AUBRecordType = 2
	AUBComment     AUBRecordType = 3
	AUBMemoryFree  AUBRecordType = 4
)

// ErrBadAUB is returned when reading a stream that is not a valid dump
var ErrBadAUB = errors.New("csr: invalid aub stream")

// AUBRecord is one decoded record
type AUBRecord struct {
	Type    AUBRecordType
	Engine  uint32
	Address uint64
	Payload []byte
}

// AUBWriter serializes records. It is safe for concurrent use.
type AUBWriter struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewAUBWriter writes the stream header to w. closer, if not nil, is
// closed by Close.
func NewAUBWriter(w io.Writer, closer io.Closer) (*AUBWriter, error) {
	aw := &AUBWriter{w: bufio.NewWriter(w), closer: closer}
	var hdr [8]byte
	copy(hdr[:4], aubMagic)
	binary.LittleEndian.PutUint32(hdr[4:], aubVersion)
	if _, err := aw.w.Write(hdr[:]); err != nil {
		return nil, errors.Wrap(err, "writing aub header")
	}
	return aw, nil
}

// WriteRecord appends one record.
func (aw *AUBWriter) WriteRecord(r AUBRecord) error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.writeLocked(r)
}

func (aw *AUBWriter) writeLocked(r AUBRecord) error {
	var hdr [aubRecordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(r.Type))
	binary.LittleEndian.PutUint32(hdr[4:], r.Engine)
	binary.LittleEndian.PutUint64(hdr[8:], r.Address)
	binary.LittleEndian.PutUint32(hdr[16:], uint32(len(r.Payload)))
	if _, err := aw.w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing aub record header")
	}
	if _, err := aw.w.Write(r.Payload); err != nil {
		return errors.Wrap(err, "writing aub record payload")
	}
	return nil
}

// Comment records free-form text in the dump.
func (aw *AUBWriter) Comment(text string) error {
	return aw.WriteRecord(AUBRecord{Type: AUBComment, Payload: []byte(text)})
}

// Flush pushes buffered records to the underlying writer.
func (aw *AUBWriter) Flush() error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.w.Flush()
}

// Close flushes and closes the underlying writer.
func (aw *AUBWriter) Close() error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	err := aw.w.Flush()
	if aw.closer != nil {
		if cerr := aw.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// AUBReader decodes a dump produced by AUBWriter.
type AUBReader struct {
	r *bufio.Reader
}

// NewAUBReader validates the stream header.
func NewAUBReader(r io.Reader) (*AUBReader, error) {
	br := bufio.NewReader(r)
	var hdr [8]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "reading aub header"), ErrBadAUB)
	}
	if string(hdr[:4]) != aubMagic {
		return nil, errors.Wrapf(ErrBadAUB, "magic %q", hdr[:4])
	}
	if v := binary.LittleEndian.Uint32(hdr[4:]); v != aubVersion {
		return nil, errors.Wrapf(ErrBadAUB, "version %d", v)
	}
	return &AUBReader{r: br}, nil
}

// Next returns the next record, or io.EOF at the end of the stream.
func (ar *AUBReader) Next() (AUBRecord, error) {
	var hdr [aubRecordHeaderSize]byte
	if _, err := io.ReadFull(ar.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return AUBRecord{}, io.EOF
		}
		return AUBRecord{}, errors.Mark(errors.Wrap(err, "reading aub record"), ErrBadAUB)
	}
	n := binary.LittleEndian.Uint32(hdr[16:])
	if n > maxAUBPayload {
		return AUBRecord{}, errors.Wrapf(ErrBadAUB, "payload of %d bytes", n)
	}
	rec := AUBRecord{
		Type:    AUBRecordType(binary.LittleEndian.Uint32(hdr[0:])),
		Engine:  binary.LittleEndian.Uint32(hdr[4:]),
		Address: binary.LittleEndian.Uint64(hdr[8:]),
		Payload: make([]byte, n),
	}
	if _, err := io.ReadFull(ar.r, rec.Payload); err != nil {
		return AUBRecord{}, errors.Mark(errors.Wrap(err, "reading aub payload"), ErrBadAUB)
	}
	return rec, nil
}

// dumpTracker remembers which contents version of each allocation a
// capturing backend has written, so unchanged memory is sent once.
type dumpTracker struct {
	mu       sync.Mutex
	versions map[uuid.UUID]uint64
}

func newDumpTracker() *dumpTracker {
	return &dumpTracker{versions: make(map[uuid.UUID]uint64)}
}

// pending returns the version to write, or zero if it was already written.
func (d *dumpTracker) pending(a *memory.GraphicsAllocation) uint64 {
	v := a.ContentVersion()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.versions[a.ID()] == v {
		return 0
	}
	return v
}

func (d *dumpTracker) mark(a *memory.GraphicsAllocation, v uint64) {
	d.mu.Lock()
	d.versions[a.ID()] = v
	d.mu.Unlock()
}

func (d *dumpTracker) forget(a *memory.GraphicsAllocation) {
	d.mu.Lock()
	delete(d.versions, a.ID())
	d.mu.Unlock()
}

// aubBackend records every resident allocation and submission to a dump.
// With simulate set it also executes submissions in software; when it only
// mirrors another backend, execution is left to that backend.
type aubBackend struct {
	writer   *AUBWriter
	exec     *executor
	dumped   *dumpTracker
	simulate bool

	mu     sync.Mutex
	hungAt uint32
	closed bool

	log *logrus.Entry
}

// NewAUBBackend creates an AUB backend over w.
func NewAUBBackend(w *AUBWriter, simulate bool) Backend {
	return &aubBackend{
		writer:   w,
		exec:     newExecutor(),
		dumped:   newDumpTracker(),
		simulate: simulate,
		log:      logging.WithComponent("aub"),
	}
}

func (b *aubBackend) Kind() BackendKind    { return BackendAUB }
func (b *aubBackend) CapturesMemory() bool { return true }

func (b *aubBackend) MakeResident(a *memory.GraphicsAllocation, osContext uint32) error {
	b.exec.mapAllocation(a)
	v := b.dumped.pending(a)
	if v == 0 {
		return nil
	}
	err := b.writer.WriteRecord(AUBRecord{
		Type:    AUBMemoryWrite,
		Address: a.GPUAddress(),
		Payload: a.HostView(),
	})
	if err != nil {
		return err
	}
	b.dumped.mark(a, v)
	return nil
}

func (b *aubBackend) Evict(a *memory.GraphicsAllocation) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed || !b.exec.isMapped(a) {
		return
	}
	b.exec.unmapAllocation(a)
	b.dumped.forget(a)
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(a.Size()))
	if err := b.writer.WriteRecord(AUBRecord{Type: AUBMemoryFree, Address: a.GPUAddress(), Payload: size[:]}); err != nil {
		b.log.WithError(err).Warn("recording free failed")
	}
}

func (b *aubBackend) Submit(sub *Submission) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBackendClosed
	}
	hung := b.hungAt != 0
	b.mu.Unlock()
	if hung {
		return ErrGPUHang
	}

	err := b.writer.WriteRecord(AUBRecord{
		Type:    AUBExec,
		Engine:  uint32(sub.Engine),
		Address: sub.GPUAddress,
		Payload: sub.Commands,
	})
	if err != nil {
		return err
	}
	if err := b.writer.Flush(); err != nil {
		return errors.Wrap(err, "flushing aub")
	}
	if b.simulate {
		// the faulted submission is still retired; the fault surfaces through Hung
		_ = simulateSubmission(b.exec, sub, &b.mu, &b.hungAt, b.log)
	}
	return nil
}

func (b *aubBackend) Hung(taskCount uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hungAt != 0 && b.hungAt <= taskCount
}

func (b *aubBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.writer.Close()
}

// simulateSubmission runs sub on exec. A fault marks the engine hung at
// that task count and still retires the submission by writing its tag,
// which is what an engine reset does on hardware.
func simulateSubmission(exec *executor, sub *Submission, mu *sync.Mutex, hungAt *uint32, log *logrus.Entry) error {
	err := exec.run(sub.Commands)
	if err == nil {
		return nil
	}
	log.WithError(err).WithField("task_count", sub.TaskCount).Warn("submission faulted")
	mu.Lock()
	if *hungAt == 0 {
		*hungAt = sub.TaskCount
	}
	mu.Unlock()
	if sub.TagAddress != 0 {
		if terr := exec.writeDword(sub.TagAddress, sub.TaskCount); terr != nil {
			log.WithError(terr).Warn("retiring faulted submission failed")
		}
	}
	return errors.Mark(err, ErrGPUHang)
}
