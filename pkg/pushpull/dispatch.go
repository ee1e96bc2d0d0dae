// Package pushpull implements an asynchronous, handle-based dispatch core
// for collective tensor reduction. Callers submit an operation and get a
// handle back immediately; the communication engine completes the
// operation asynchronously and the caller polls or waits on the handle.
package pushpull

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/distml/pushpull/pkg/engine"
	"github.com/distml/pushpull/pkg/tensor"
)

// DefaultPrefix namespaces the logical tensor names this dispatcher
// derives.
const DefaultPrefix = "pushpull"

// Dispatcher is the entry point tying the handle registry, tensor
// registration, and stage planning together in front of a communication
// engine.
type Dispatcher struct {
	engine  engine.Engine
	handles *HandleManager
	prefix  string
}

func NewDispatcher(eng engine.Engine) *Dispatcher {
	return &Dispatcher{
		engine:  eng,
		handles: NewHandleManager(),
		prefix:  DefaultPrefix,
	}
}

// SubmitOptions configures one submitted operation.
type SubmitOptions struct {
	// Name keys the tensor's registration across workers; every worker
	// must submit the same name. Leave empty for an anonymous one-shot
	// operation.
	Name string

	// Version and Priority are forwarded to the engine's scheduler.
	Version  int32
	Priority int32

	// Average divides the reduced output in place by the worker count
	// when the operation completes.
	Average bool
}

// SubmitOperation submits a push-pull collective over input into output
// and returns a handle without waiting for completion. The one exception
// is the first use of a tensor name, which blocks for the one-time
// cross-worker registration.
//
// Failures to validate, register, or enqueue are returned synchronously
// and leave no observable handle; failures during execution are only
// visible through PollHandle and WaitAndRelease.
func (d *Dispatcher) SubmitOperation(ctx context.Context, input, output tensor.Tensor, opts SubmitOptions) (Handle, error) {
	if err := d.engine.CheckInitialized(); err != nil {
		return 0, fmt.Errorf("engine is not initialized: %w", err)
	}

	h := d.handles.AllocateHandle()
	device := ResolveDevice(input)
	ready := RecordReady(input)
	name := OpName(d.prefix, opts.Name, h)

	if !d.engine.IsTensorInitialized(name, input.NumElements()) {
		c := d.engine.ContextFromName(name)
		var hostData []byte
		if device == tensor.CPUDevice {
			hostData = input.Data()
		}
		klog.FromContext(ctx).V(2).Info("registering tensor", "name", name, "dtype", input.DType().String(), "device", device.String())
		// Blocking: registration fixes the cross-worker order for this
		// name before any traffic flows under it.
		if err := d.engine.InitTensor(c, name, input.DType(), hostData); err != nil {
			d.handles.discard(h)
			return 0, fmt.Errorf("registering tensor %q: %w", name, err)
		}
	}

	workers := d.engine.WorkerCount()
	op := &engine.Operation{
		Context:  d.engine.ContextFromName(name),
		Input:    input,
		Output:   output,
		Ready:    ready,
		Name:     name,
		Device:   device,
		Priority: opts.Priority,
		Version:  opts.Version,
		Stages:   PlanStages(d.engine.IsRoot(), d.engine.IsDistributed()),
		OnDone: func(opErr error) {
			// Runs in the engine's execution context; bounded work only.
			if opErr == nil && opts.Average {
				opErr = tensor.DivScalar(output, workers)
			}
			d.handles.MarkDone(h, opErr)
		},
	}
	if err := d.engine.Enqueue(op); err != nil {
		d.handles.discard(h)
		return 0, fmt.Errorf("submitting %q: %w", name, err)
	}
	return h, nil
}

// PollHandle reports whether the operation behind h has completed. It
// never blocks.
func (d *Dispatcher) PollHandle(h Handle) bool {
	return d.handles.PollHandle(h)
}

// WaitAndRelease blocks until the operation behind h completes, releases
// the handle, and returns the operation's final status.
func (d *Dispatcher) WaitAndRelease(ctx context.Context, h Handle) error {
	return d.handles.WaitAndRelease(ctx, h)
}
