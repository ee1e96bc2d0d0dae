// Package engine defines the contract between the dispatch layer and the
// communication engine that actually performs collective reduction,
// transport, and broadcast.
package engine

import (
	"github.com/distml/pushpull/pkg/tensor"
)

// Engine is the communication engine consumed by the dispatch layer.
// Implementations own all cross-worker state; the dispatch layer only
// reaches it through this interface.
type Engine interface {
	// CheckInitialized reports whether the engine is ready to accept
	// operations. A nil return means ready.
	CheckInitialized() error

	// IsTensorInitialized reports whether a context for name with the
	// given element count has already been registered.
	IsTensorInitialized(name string, numElements int) bool

	// ContextFromName returns the engine-owned registration state for
	// name, creating an empty context on first reference.
	ContextFromName(name string) Context

	// InitTensor performs the one-time registration for name. It blocks
	// until every worker agrees on the tensor's identity and shape, so
	// callers get a consistent global registration order. hostData is the
	// raw buffer for host-resident tensors and nil for accelerator
	// tensors.
	InitTensor(c Context, name string, dtype tensor.DType, hostData []byte) error

	// IsRoot reports whether this worker is the coordinating root.
	IsRoot() bool

	// IsDistributed reports whether the job spans multiple machines
	// rather than just multiple local devices.
	IsDistributed() bool

	// WorkerCount returns the total number of cooperating workers.
	WorkerCount() int

	// Enqueue submits an operation for asynchronous execution. A nil
	// return means the operation was accepted; op.OnDone will be invoked
	// exactly once with its final status, possibly on a different
	// goroutine or device execution context.
	Enqueue(op *Operation) error
}

// Context is the per-name registration state owned by the engine. The
// dispatch layer treats it as opaque.
type Context interface {
	Name() string
}

// Operation describes one submitted collective operation.
type Operation struct {
	Context Context

	Input  tensor.Tensor
	Output tensor.Tensor

	// Ready fires once prior device work on Input has completed and the
	// engine may read the buffer.
	Ready ReadySignal

	Name     string
	Device   tensor.DeviceID
	Priority int32
	Version  int32

	// Stages is the ordered pipeline the operation traverses.
	Stages []Stage

	// OnDone runs in the engine's execution context and must only do
	// bounded, non-blocking work.
	OnDone func(err error)
}

// ReadySignal is a synchronization point for prior device work on a
// buffer.
type ReadySignal interface {
	// Done is closed once the buffer is safe to read.
	Done() <-chan struct{}
}

type immediateReady struct{}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (immediateReady) Done() <-chan struct{} { return closedCh }

// Immediate returns a signal that has already fired. Host buffers have no
// pending device work, so they are ready as soon as they are submitted.
func Immediate() ReadySignal { return immediateReady{} }
