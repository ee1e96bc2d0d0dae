// Package loopback is an in-process communication engine. All workers
// live in one process and one address space, which makes it the reference
// engine for tests, single-machine jobs, and benchmarks.
package loopback

import (
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/distml/pushpull/pkg/engine"
	"github.com/distml/pushpull/pkg/tensor"
)

// Cluster holds the shared state of a set of loopback workers.
type Cluster struct {
	mu          sync.Mutex
	closed      bool
	distributed bool
	workers     []*Worker
	contexts    map[string]*tensorContext
	pending     map[string][]*engine.Operation
}

// NewCluster creates a cluster of numWorkers workers. Rank 0 is the root.
// The distributed flag only affects what workers report for
// IsDistributed; loopback execution is identical either way.
func NewCluster(numWorkers int, distributed bool) (*Cluster, error) {
	if numWorkers < 1 {
		return nil, status.Errorf(codes.InvalidArgument, "cluster needs at least 1 worker, got %d", numWorkers)
	}
	c := &Cluster{
		distributed: distributed,
		contexts:    make(map[string]*tensorContext),
		pending:     make(map[string][]*engine.Operation),
	}
	for rank := 0; rank < numWorkers; rank++ {
		c.workers = append(c.workers, &Worker{cluster: c, rank: rank})
	}
	return c, nil
}

// Worker returns the engine view for the given rank.
func (c *Cluster) Worker(rank int) *Worker {
	return c.workers[rank]
}

// Close shuts the cluster down. Workers of a closed cluster fail
// CheckInitialized, so no further operations can be submitted.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// tensorContext is the per-name registration state. It becomes usable
// once every worker has completed InitTensor for the name.
type tensorContext struct {
	name        string
	dtype       tensor.DType
	numElements int

	joined  int
	settled bool
	ready   chan struct{}
	err     error
}

var _ engine.Context = (*tensorContext)(nil)

func (t *tensorContext) Name() string { return t.name }

// settle must be called with the cluster lock held.
func (t *tensorContext) settle(err error) {
	if t.settled {
		return
	}
	t.settled = true
	t.err = err
	close(t.ready)
}

// Worker is one rank's view of the cluster. It implements engine.Engine.
type Worker struct {
	cluster *Cluster
	rank    int
}

var _ engine.Engine = (*Worker)(nil)

// Rank returns the worker's rank within the cluster.
func (w *Worker) Rank() int { return w.rank }

func (w *Worker) CheckInitialized() error {
	w.cluster.mu.Lock()
	defer w.cluster.mu.Unlock()
	if w.cluster.closed {
		return status.Error(codes.FailedPrecondition, "loopback cluster is closed")
	}
	return nil
}

func (w *Worker) IsRoot() bool        { return w.rank == 0 }
func (w *Worker) IsDistributed() bool { return w.cluster.distributed }
func (w *Worker) WorkerCount() int    { return len(w.cluster.workers) }

func (w *Worker) IsTensorInitialized(name string, numElements int) bool {
	c := w.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	tc, ok := c.contexts[name]
	return ok && tc.settled && tc.err == nil && tc.numElements == numElements
}

func (w *Worker) ContextFromName(name string) engine.Context {
	c := w.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	tc, ok := c.contexts[name]
	if !ok {
		tc = &tensorContext{name: name, numElements: -1}
		c.contexts[name] = tc
	}
	return tc
}

// InitTensor registers name for this worker and blocks until every worker
// in the cluster has done the same. The first worker to arrive fixes the
// dtype and element count; later arrivals must match or the registration
// fails for every blocked worker.
func (w *Worker) InitTensor(c engine.Context, name string, dtype tensor.DType, hostData []byte) error {
	tc, ok := c.(*tensorContext)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "context for %q was not created by this engine", name)
	}
	if hostData == nil {
		return status.Errorf(codes.Unimplemented, "loopback engine only holds host tensors, cannot register %q without host data", name)
	}
	numElements := len(hostData) / dtype.Size()

	cl := w.cluster
	cl.mu.Lock()
	if tc.settled {
		// Registration already concluded; a matching late arrival is a
		// no-op, anything else is a shape disagreement.
		err := tc.err
		if err == nil && (tc.dtype != dtype || tc.numElements != numElements) {
			err = status.Errorf(codes.InvalidArgument,
				"registration mismatch for %q: worker %d brings %v[%d], registered as %v[%d]",
				name, w.rank, dtype, numElements, tc.dtype, tc.numElements)
		}
		cl.mu.Unlock()
		return err
	}
	if tc.ready == nil {
		tc.ready = make(chan struct{})
		tc.dtype = dtype
		tc.numElements = numElements
	} else if tc.dtype != dtype || tc.numElements != numElements {
		tc.settle(status.Errorf(codes.InvalidArgument,
			"registration mismatch for %q: worker %d brings %v[%d], registered as %v[%d]",
			name, w.rank, dtype, numElements, tc.dtype, tc.numElements))
		err := tc.err
		cl.mu.Unlock()
		return err
	}
	tc.joined++
	if tc.joined == len(cl.workers) {
		tc.settle(nil)
	}
	ready := tc.ready
	cl.mu.Unlock()

	<-ready

	cl.mu.Lock()
	err := tc.err
	cl.mu.Unlock()
	if err != nil {
		return err
	}
	klog.V(2).InfoS("registered tensor", "name", name, "rank", w.rank, "dtype", dtype.String(), "elements", numElements)
	return nil
}
