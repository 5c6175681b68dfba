package csr

import (
	"github.com/cockroachdb/errors"

	"github.com/xupit3r/clrun/internal/memory"
)

// withAUBDump mirrors every residency change and submission of a primary
// backend into an AUB dump. Execution and completion stay with the
// primary.
type withAUBDump struct {
	primary Backend
	dump    Backend
}

// WithAUBDump decorates primary so that its work is also recorded by dump.
func WithAUBDump(primary, dump Backend) Backend {
	return &withAUBDump{primary: primary, dump: dump}
}

func (b *withAUBDump) Kind() BackendKind    { return b.primary.Kind() }
func (b *withAUBDump) CapturesMemory() bool { return true }

func (b *withAUBDump) MakeResident(a *memory.GraphicsAllocation, osContext uint32) error {
	if err := b.primary.MakeResident(a, osContext); err != nil {
		return err
	}
	return b.dump.MakeResident(a, osContext)
}

func (b *withAUBDump) Evict(a *memory.GraphicsAllocation) {
	b.primary.Evict(a)
	b.dump.Evict(a)
}

// Submit records the batch before handing it to the primary so the dump
// holds it even if execution faults.
func (b *withAUBDump) Submit(sub *Submission) error {
	if err := b.dump.Submit(sub); err != nil {
		return errors.Wrap(err, "recording aub mirror")
	}
	return b.primary.Submit(sub)
}

func (b *withAUBDump) Hung(taskCount uint32) bool {
	return b.primary.Hung(taskCount)
}

func (b *withAUBDump) Close() error {
	err := b.primary.Close()
	if derr := b.dump.Close(); err == nil {
		err = derr
	}
	return err
}
