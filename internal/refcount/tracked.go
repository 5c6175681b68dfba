package refcount

// Deletable is implemented by objects that release their resources when
// the last internal reference goes away.
type Deletable interface {
	Delete()
}

// Deleter performs destruction off the calling path, for example on a
// background worker.
type Deleter interface {
	DeferDelete(obj Deletable)
}

// CustomDeletable lets a type redirect its destruction through a Deleter
// instead of a synchronous Delete call. A nil Deleter falls back to Delete.
type CustomDeletable interface {
	Deletable
	CustomDeleter() Deleter
}

// DecRefResult is returned by the decrement operations. Released is true
// for exactly one decrement per object: the one that observed the internal
// count reach zero. That caller owns the object and must finalize it.
type DecRefResult[T any] struct {
	Released bool
	Object   T
}

// Finalize destroys the object if the result carries ownership. It is a
// no-op for non-owning results.
func (r DecRefResult[T]) Finalize() {
	if !r.Released {
		return
	}
	Destroy(r.Object)
}

// Destroy runs the destruction path for obj: the custom deleter if one is
// provided, Delete otherwise. Objects that are neither are left to the
// garbage collector.
func Destroy(obj any) {
	if cd, ok := obj.(CustomDeletable); ok {
		if d := cd.CustomDeleter(); d != nil {
			d.DeferDelete(cd)
			return
		}
	}
	if d, ok := obj.(Deletable); ok {
		d.Delete()
	}
}

// Tracked is the reference tracking embedded by shared driver objects.
// The zero value has both counts at zero; call Init before publishing the
// object to other goroutines.
type Tracked[T any] struct {
	internal RefCounter
	api      RefCounter
	obj      T
}

// Init binds the owning object. When owned is true both counts start at
// one, representing the creator's reference. Otherwise they start at zero
// and the caller is expected to increment right away.
func (t *Tracked[T]) Init(obj T, owned bool) {
	t.obj = obj
	if owned {
		t.internal.set(1)
		t.api.set(1)
		return
	}
	t.internal.set(0)
	t.api.set(0)
}

// IncRefInternal takes a driver-internal reference.
func (t *Tracked[T]) IncRefInternal() {
	t.internal.Inc()
}

// DecRefInternal drops a driver-internal reference.
func (t *Tracked[T]) DecRefInternal() DecRefResult[T] {
	if t.internal.Dec() {
		return DecRefResult[T]{Released: true, Object: t.obj}
	}
	return DecRefResult[T]{Object: t.obj}
}

// IncRefApi takes an application reference. The internal count is raised
// first so that api never exceeds internal.
func (t *Tracked[T]) IncRefApi() {
	t.internal.Inc()
	t.api.Inc()
}

// DecRefApi drops an application reference.
func (t *Tracked[T]) DecRefApi() DecRefResult[T] {
	v := t.api.val.Add(-1)
	Assert(v >= 0, "api refcount went negative (%d)", v)
	return t.DecRefInternal()
}

// Release drops an internal reference and finalizes the object if it was
// the last one. It reports whether the object was destroyed.
func (t *Tracked[T]) Release() bool {
	r := t.DecRefInternal()
	r.Finalize()
	return r.Released
}

// ReleaseApi is Release for application references.
func (t *Tracked[T]) ReleaseApi() bool {
	r := t.DecRefApi()
	r.Finalize()
	return r.Released
}

// RefInternal returns the internal count.
func (t *Tracked[T]) RefInternal() int32 {
	return t.internal.Peek()
}

// RefApi returns the application-visible count. This is the value
// reported by reference-count info queries.
func (t *Tracked[T]) RefApi() int32 {
	return t.api.Peek()
}

// CheckDestroy asserts that the object is not being torn down while other
// internal references still exist. Delete implementations call it first.
func (t *Tracked[T]) CheckDestroy() {
	n := t.internal.Peek()
	Assert(n <= 1, "object destroyed with internal refcount %d", n)
}
