package loopback

import (
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/distml/pushpull/pkg/engine"
	"github.com/distml/pushpull/pkg/tensor"
)

// Enqueue accepts one worker's share of a collective operation. The
// operation executes once every worker has enqueued under the same name;
// until then the share is parked. A name must not be re-enqueued before
// the previous operation under that name has completed.
func (w *Worker) Enqueue(op *engine.Operation) error {
	if err := w.CheckInitialized(); err != nil {
		return err
	}
	if op.OnDone == nil {
		return status.Errorf(codes.InvalidArgument, "operation %q has no completion callback", op.Name)
	}
	if op.Ready == nil {
		return status.Errorf(codes.InvalidArgument, "operation %q has no ready signal", op.Name)
	}
	if len(op.Stages) == 0 {
		return status.Errorf(codes.InvalidArgument, "operation %q has an empty stage plan", op.Name)
	}
	tc, ok := op.Context.(*tensorContext)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "context for %q was not created by this engine", op.Name)
	}
	w.cluster.mu.Lock()
	settled, regErr := tc.settled, tc.err
	w.cluster.mu.Unlock()
	if !settled || regErr != nil {
		return status.Errorf(codes.FailedPrecondition, "tensor %q is not registered", op.Name)
	}
	for _, t := range []tensor.Tensor{op.Input, op.Output} {
		if t == nil || t.Device() != tensor.CPUDevice || t.Data() == nil {
			return status.Errorf(codes.Unimplemented, "loopback engine only executes host-resident operations (%q)", op.Name)
		}
		if t.DType() != tc.dtype || t.NumElements() != tc.numElements {
			return status.Errorf(codes.InvalidArgument,
				"operation %q carries %v[%d], context registered as %v[%d]",
				op.Name, t.DType(), t.NumElements(), tc.dtype, tc.numElements)
		}
	}

	cl := w.cluster
	cl.mu.Lock()
	parked := append(cl.pending[op.Name], op)
	if len(parked) < len(cl.workers) {
		cl.pending[op.Name] = parked
		cl.mu.Unlock()
		return nil
	}
	delete(cl.pending, op.Name)
	cl.mu.Unlock()

	go cl.run(tc, parked)
	return nil
}

// run executes one fully-assembled collective: wait for every ready
// signal, sum all inputs, broadcast the sum into every output, then fire
// the completion callbacks. It is the engine's execution context; the
// callbacks run here, not on any submitter's goroutine.
func (c *Cluster) run(tc *tensorContext, ops []*engine.Operation) {
	for _, op := range ops {
		<-op.Ready.Done()
	}

	if err := checkPlans(ops); err != nil {
		c.finish(ops, err)
		return
	}

	sum := tensor.NewHostTensor(tc.dtype, tc.numElements)
	for _, op := range ops {
		if err := tensor.AddInto(sum, op.Input); err != nil {
			c.finish(ops, status.Errorf(codes.Internal, "reducing %q: %v", tc.name, err))
			return
		}
	}

	var g errgroup.Group
	for _, op := range ops {
		op := op
		g.Go(func() error {
			return broadcastInto(op.Output, sum)
		})
	}
	if err := g.Wait(); err != nil {
		c.finish(ops, status.Errorf(codes.Internal, "broadcasting %q: %v", tc.name, err))
		return
	}

	klog.V(2).InfoS("collective complete", "name", tc.name, "workers", len(ops), "bytes", sum.ByteSize())
	c.finish(ops, nil)
}

func (c *Cluster) finish(ops []*engine.Operation, err error) {
	for _, op := range ops {
		op.OnDone(err)
	}
}

// checkPlans verifies that exactly one share carries a root plan and the
// rest rendezvous through coordination stages.
func checkPlans(ops []*engine.Operation) error {
	roots := 0
	for _, op := range ops {
		switch op.Stages[0] {
		case engine.StageReduce:
			roots++
		case engine.StageCoordinateReduce:
		default:
			return status.Errorf(codes.InvalidArgument,
				"operation %q starts with unexpected stage %v", op.Name, op.Stages[0])
		}
	}
	if roots != 1 {
		return status.Errorf(codes.InvalidArgument,
			"collective %q has %d root plans, want exactly 1", ops[0].Name, roots)
	}
	return nil
}

func broadcastInto(dst, src tensor.Tensor) error {
	if dst.ByteSize() != src.ByteSize() {
		return status.Errorf(codes.Internal, "output is %d bytes, reduced value is %d", dst.ByteSize(), src.ByteSize())
	}
	copy(dst.Data(), src.Data())
	return nil
}
