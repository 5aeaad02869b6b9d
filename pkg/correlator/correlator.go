// ABOUTME: Single-slot request/response correlation keyed by result kind
// ABOUTME: Callers block until a producer delivers a value of the declared type
package correlator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Kind identifies a logical result type
type Kind string

var (
	// ErrUnknownKind is returned for kinds that were never declared
	ErrUnknownKind = errors.New("unknown result kind")

	// ErrOutstanding is returned by Issue while a request of the same kind is still unconsumed
	ErrOutstanding = errors.New("request already outstanding")

	// ErrConsumed is returned when a request handle is awaited twice
	ErrConsumed = errors.New("request already consumed")
)

// TypeMismatchError reports a delivered value whose type differs from the kind's declared type.
// It is a programming error and is never retried.
type TypeMismatchError struct {
	Kind     Kind
	Expected reflect.Type
	Got      reflect.Type
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("correlator: kind %q expects %v, got %v", e.Kind, e.Expected, e.Got)
}

// cell holds at most one undelivered result
type cell struct {
	typ         reflect.Type
	slot        chan any
	outstanding bool
}

// Correlator matches delivered results to the callers waiting for them
type Correlator struct {
	mu     sync.Mutex
	cells  map[Kind]*cell
	logger *log.Logger
}

// New creates an empty correlator
func New(logger *log.Logger) *Correlator {
	if logger == nil {
		logger = log.Default()
	}
	return &Correlator{
		cells:  make(map[Kind]*cell),
		logger: logger.With("component", "correlator"),
	}
}

// Declare registers kind with result type T. Redeclaring a kind replaces its cell.
func Declare[T any](c *Correlator, kind Kind) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cells[kind] = &cell{
		typ:  reflect.TypeOf(&zero).Elem(),
		slot: make(chan any, 1),
	}
}

// Request is the handle for one outstanding call
type Request struct {
	ID   string
	Kind Kind

	c    *Correlator
	cell *cell
	once sync.Once
	done atomic.Bool
}

// Issue opens a request for kind. Only one request per kind may be outstanding.
func (c *Correlator) Issue(kind Kind) (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.cells[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if cl.outstanding {
		return nil, fmt.Errorf("%w: %s", ErrOutstanding, kind)
	}
	cl.outstanding = true

	return &Request{
		ID:   uuid.NewString(),
		Kind: kind,
		c:    c,
		cell: cl,
	}, nil
}

// Deliver hands value to the waiter of kind. A value delivered before anyone
// waits is kept for the next Await; a second undelivered value overwrites it.
func (c *Correlator) Deliver(kind Kind, value any) error {
	c.mu.Lock()
	cl, ok := c.cells[kind]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	if got := reflect.TypeOf(value); got != cl.typ {
		return &TypeMismatchError{Kind: kind, Expected: cl.typ, Got: got}
	}

	for {
		select {
		case cl.slot <- value:
			return nil
		default:
		}

		// Slot full: drop the stale value and retry
		select {
		case stale := <-cl.slot:
			c.logger.Warn("overwriting undelivered result", "kind", kind, "type", reflect.TypeOf(stale))
		default:
		}
	}
}

// Await blocks until a value for the request's kind is delivered or ctx is done.
// The base contract has no timeout; pass a deadline context for bounded waits.
func (r *Request) Await(ctx context.Context) (any, error) {
	if r.done.Load() {
		return nil, ErrConsumed
	}

	select {
	case v := <-r.cell.slot:
		r.release()
		return v, nil
	case <-ctx.Done():
		r.release()
		return nil, fmt.Errorf("await %s: %w", r.Kind, ctx.Err())
	}
}

// Cancel releases the request without waiting
func (r *Request) Cancel() {
	r.release()
}

func (r *Request) release() {
	r.once.Do(func() {
		r.done.Store(true)
		r.c.mu.Lock()
		r.cell.outstanding = false
		r.c.mu.Unlock()
	})
}

// AwaitAs waits for the request and asserts the declared type
func AwaitAs[T any](ctx context.Context, r *Request) (T, error) {
	var zero T
	v, err := r.Await(ctx)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{Kind: r.Kind, Expected: reflect.TypeOf(&zero).Elem(), Got: reflect.TypeOf(v)}
	}
	return typed, nil
}

// Call issues a request, runs send, and waits for the typed result
func Call[T any](ctx context.Context, c *Correlator, kind Kind, send func(id string) error) (T, error) {
	var zero T
	req, err := c.Issue(kind)
	if err != nil {
		return zero, err
	}

	if err := send(req.ID); err != nil {
		req.Cancel()
		return zero, err
	}

	return AwaitAs[T](ctx, req)
}

// Drain discards any undelivered result for kind
func (c *Correlator) Drain(kind Kind) {
	c.mu.Lock()
	cl, ok := c.cells[kind]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-cl.slot:
	default:
	}
}
