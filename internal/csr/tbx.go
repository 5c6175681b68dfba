package csr

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xupit3r/clrun/internal/logging"
	"github.com/xupit3r/clrun/internal/memory"
)

// ErrSubmissionRejected is returned when the remote target refuses a batch
var ErrSubmissionRejected = errors.New("csr: submission rejected by remote target")

// TBX acknowledgement status values
const (
	TBXAckOK    uint32 = 0
	TBXAckFault uint32 = 1
)

// tbxBackend streams AUB records to a remote execution target over TCP.
// The target acknowledges every exec record with a status dword. Results
// are mirrored locally by replaying accepted batches, which stands in for
// reading memory back from the target.
type tbxBackend struct {
	conn   net.Conn
	writer *AUBWriter
	mirror *executor
	sent   *dumpTracker

	mu     sync.Mutex
	hungAt uint32
	closed bool

	log *logrus.Entry
}

// DialTBX connects to the remote target at addr.
func DialTBX(addr string, timeout time.Duration) (Backend, error) {
	if addr == "" {
		return nil, errors.New("csr: tbx address not configured")
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing tbx server %s", addr)
	}
	return newTBXBackend(conn)
}

func newTBXBackend(conn net.Conn) (Backend, error) {
	w, err := NewAUBWriter(conn, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "sending tbx handshake")
	}
	b := &tbxBackend{
		conn:   conn,
		writer: w,
		mirror: newExecutor(),
		sent:   newDumpTracker(),
		log:    logging.WithComponent("tbx").WithField("remote", conn.RemoteAddr().String()),
	}
	b.log.Info("connected")
	return b, nil
}

func (b *tbxBackend) Kind() BackendKind    { return BackendTBX }
func (b *tbxBackend) CapturesMemory() bool { return true }

func (b *tbxBackend) MakeResident(a *memory.GraphicsAllocation, osContext uint32) error {
	b.mirror.mapAllocation(a)
	v := b.sent.pending(a)
	if v == 0 {
		return nil
	}
	err := b.writer.WriteRecord(AUBRecord{
		Type:    AUBMemoryWrite,
		Address: a.GPUAddress(),
		Payload: a.HostView(),
	})
	if err != nil {
		return errors.Wrap(err, "sending memory to tbx")
	}
	b.sent.mark(a, v)
	return nil
}

func (b *tbxBackend) Evict(a *memory.GraphicsAllocation) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed || !b.mirror.isMapped(a) {
		return
	}
	b.mirror.unmapAllocation(a)
	b.sent.forget(a)
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(a.Size()))
	if err := b.writer.WriteRecord(AUBRecord{Type: AUBMemoryFree, Address: a.GPUAddress(), Payload: size[:]}); err != nil {
		b.log.WithError(err).Warn("sending free failed")
	}
}

func (b *tbxBackend) Submit(sub *Submission) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if b.hungAt != 0 {
		return ErrGPUHang
	}

	err := b.writer.WriteRecord(AUBRecord{
		Type:    AUBExec,
		Engine:  uint32(sub.Engine),
		Address: sub.GPUAddress,
		Payload: sub.Commands,
	})
	if err == nil {
		err = b.writer.Flush()
	}
	if err != nil {
		return errors.Wrap(err, "sending batch to tbx")
	}

	var ack [4]byte
	if _, err := io.ReadFull(b.conn, ack[:]); err != nil {
		return errors.Wrap(err, "reading tbx acknowledgement")
	}
	if status := binary.LittleEndian.Uint32(ack[:]); status != TBXAckOK {
		b.hungAt = sub.TaskCount
		return errors.Wrapf(ErrSubmissionRejected, "status %d for task %d", status, sub.TaskCount)
	}

	if err := b.mirror.run(sub.Commands); err != nil {
		b.log.WithError(err).Warn("local mirror diverged from target")
	}
	return nil
}

func (b *tbxBackend) Hung(taskCount uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hungAt != 0 && b.hungAt <= taskCount
}

func (b *tbxBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.writer.Close()
}
