package pushpull_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/distml/pushpull/pkg/engine"
	"github.com/distml/pushpull/pkg/engine/loopback"
	"github.com/distml/pushpull/pkg/pushpull"
	"github.com/distml/pushpull/pkg/tensor"
)

// fakeEngine lets the dispatcher be tested against every failure mode of
// the engine contract without a real cluster.
type fakeEngine struct {
	initErr       error
	initTensorErr error
	enqueueErr    error
	asyncErr      error

	root        bool
	distributed bool
	workerCount int

	mu         sync.Mutex
	registered map[string]int
	initCalls  int
	ops        []*engine.Operation
}

type fakeContext string

func (c fakeContext) Name() string { return string(c) }

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		root:        true,
		workerCount: 1,
		registered:  make(map[string]int),
	}
}

func (f *fakeEngine) CheckInitialized() error { return f.initErr }

func (f *fakeEngine) IsTensorInitialized(name string, numElements int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.registered[name]
	return ok && n == numElements
}

func (f *fakeEngine) ContextFromName(name string) engine.Context {
	return fakeContext(name)
}

func (f *fakeEngine) InitTensor(c engine.Context, name string, dtype tensor.DType, hostData []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initTensorErr != nil {
		return f.initTensorErr
	}
	f.registered[name] = len(hostData) / dtype.Size()
	return nil
}

func (f *fakeEngine) IsRoot() bool        { return f.root }
func (f *fakeEngine) IsDistributed() bool { return f.distributed }
func (f *fakeEngine) WorkerCount() int    { return f.workerCount }

func (f *fakeEngine) Enqueue(op *engine.Operation) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
	go op.OnDone(f.asyncErr)
	return nil
}

func (f *fakeEngine) lastOp() *engine.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ops) == 0 {
		return nil
	}
	return f.ops[len(f.ops)-1]
}

func TestSubmitFailsWhenNotInitialized(t *testing.T) {
	eng := newFakeEngine()
	eng.initErr = errors.New("not started")
	d := pushpull.NewDispatcher(eng)

	in := tensor.FromFloat32([]float32{1, 2, 3})
	out := tensor.NewHostTensor(tensor.Float32, 3)
	_, err := d.SubmitOperation(context.Background(), in, out, pushpull.SubmitOptions{})
	if err == nil {
		t.Fatal("SubmitOperation succeeded on an uninitialized engine")
	}
	if eng.lastOp() != nil {
		t.Fatal("operation reached the engine despite the failed precondition")
	}
}

func TestSubmitRegistrationFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.initTensorErr = errors.New("shape disagreement")
	d := pushpull.NewDispatcher(eng)

	in := tensor.FromFloat32([]float32{1})
	out := tensor.NewHostTensor(tensor.Float32, 1)
	_, err := d.SubmitOperation(context.Background(), in, out, pushpull.SubmitOptions{Name: "w"})
	if err == nil || !errors.Is(err, eng.initTensorErr) {
		t.Fatalf("SubmitOperation returned %v, want wrapped registration error", err)
	}
	if eng.lastOp() != nil {
		t.Fatal("operation reached the engine despite the failed registration")
	}
}

func TestSubmitEnqueueFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.enqueueErr = errors.New("queue full")
	d := pushpull.NewDispatcher(eng)

	in := tensor.FromFloat32([]float32{1})
	out := tensor.NewHostTensor(tensor.Float32, 1)
	_, err := d.SubmitOperation(context.Background(), in, out, pushpull.SubmitOptions{Name: "w"})
	if err == nil || !errors.Is(err, eng.enqueueErr) {
		t.Fatalf("SubmitOperation returned %v, want wrapped enqueue error", err)
	}
}

func TestAsyncFailureSurfacesOnWait(t *testing.T) {
	eng := newFakeEngine()
	eng.asyncErr = errors.New("peer dropped mid-reduce")
	d := pushpull.NewDispatcher(eng)

	in := tensor.FromFloat32([]float32{1})
	out := tensor.NewHostTensor(tensor.Float32, 1)
	h, err := d.SubmitOperation(context.Background(), in, out, pushpull.SubmitOptions{Name: "w"})
	if err != nil {
		t.Fatalf("SubmitOperation: %v", err)
	}
	if err := d.WaitAndRelease(context.Background(), h); !errors.Is(err, eng.asyncErr) {
		t.Fatalf("WaitAndRelease returned %v, want the operation failure", err)
	}
}

func TestAverageDividesByWorkerCount(t *testing.T) {
	eng := newFakeEngine()
	eng.workerCount = 4
	d := pushpull.NewDispatcher(eng)

	in := tensor.FromFloat32([]float32{8, 8})
	// The fake engine performs no reduction; preload the output with the
	// "reduced" value and check only the averaging side effect.
	out := tensor.FromFloat32([]float32{8, 8})

	h, err := d.SubmitOperation(context.Background(), in, out, pushpull.SubmitOptions{Name: "w", Average: true})
	if err != nil {
		t.Fatalf("SubmitOperation: %v", err)
	}
	if err := d.WaitAndRelease(context.Background(), h); err != nil {
		t.Fatalf("WaitAndRelease: %v", err)
	}
	for i, v := range out.Float32s() {
		if v != 2 {
			t.Fatalf("element %d: got %f, want 2", i, v)
		}
	}
}

func TestRegistrationHappensOnce(t *testing.T) {
	eng := newFakeEngine()
	d := pushpull.NewDispatcher(eng)

	in := tensor.FromFloat32([]float32{1, 2})
	out := tensor.NewHostTensor(tensor.Float32, 2)
	for i := 0; i < 3; i++ {
		h, err := d.SubmitOperation(context.Background(), in, out, pushpull.SubmitOptions{Name: "w"})
		if err != nil {
			t.Fatalf("SubmitOperation %d: %v", i, err)
		}
		if err := d.WaitAndRelease(context.Background(), h); err != nil {
			t.Fatalf("WaitAndRelease %d: %v", i, err)
		}
	}
	if eng.initCalls != 1 {
		t.Fatalf("InitTensor called %d times, want 1", eng.initCalls)
	}
}

func TestSubmitForwardsPlanAndMetadata(t *testing.T) {
	eng := newFakeEngine()
	eng.root = true
	eng.distributed = true
	d := pushpull.NewDispatcher(eng)

	in := tensor.FromFloat32([]float32{1})
	out := tensor.NewHostTensor(tensor.Float32, 1)
	h, err := d.SubmitOperation(context.Background(), in, out, pushpull.SubmitOptions{
		Name:     "layer0.grad",
		Version:  3,
		Priority: -7,
	})
	if err != nil {
		t.Fatalf("SubmitOperation: %v", err)
	}
	if err := d.WaitAndRelease(context.Background(), h); err != nil {
		t.Fatalf("WaitAndRelease: %v", err)
	}

	op := eng.lastOp()
	if op == nil {
		t.Fatal("no operation reached the engine")
	}
	if op.Name != "pushpull.layer0.grad" {
		t.Errorf("name = %q, want %q", op.Name, "pushpull.layer0.grad")
	}
	if op.Version != 3 || op.Priority != -7 {
		t.Errorf("version/priority = %d/%d, want 3/-7", op.Version, op.Priority)
	}
	if op.Device != tensor.CPUDevice {
		t.Errorf("device = %v, want cpu", op.Device)
	}
	if op.Ready == nil {
		t.Error("no ready signal captured")
	}
	want := pushpull.PlanStages(true, true)
	if len(op.Stages) != len(want) {
		t.Fatalf("stages = %v, want %v", op.Stages, want)
	}
	for i := range want {
		if op.Stages[i] != want[i] {
			t.Fatalf("stages = %v, want %v", op.Stages, want)
		}
	}
}

func TestEndToEndLoopbackAverage(t *testing.T) {
	const numWorkers = 4
	const size = 128

	cluster, err := loopback.NewCluster(numWorkers, false)
	if err != nil {
		t.Fatal(err)
	}
	defer cluster.Close()

	outputs := make([]*tensor.HostTensor, numWorkers)
	var g errgroup.Group
	for rank := 0; rank < numWorkers; rank++ {
		rank := rank
		g.Go(func() error {
			d := pushpull.NewDispatcher(cluster.Worker(rank))

			vals := make([]float32, size)
			for i := range vals {
				vals[i] = float32(rank + 1)
			}
			in := tensor.FromFloat32(vals)
			out := tensor.NewHostTensor(tensor.Float32, size)
			outputs[rank] = out

			h, err := d.SubmitOperation(context.Background(), in, out, pushpull.SubmitOptions{
				Name:    "grad",
				Average: true,
			})
			if err != nil {
				return fmt.Errorf("worker %d: %w", rank, err)
			}
			return d.WaitAndRelease(context.Background(), h)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// Workers contribute 1..4, so the average is 2.5 everywhere.
	for rank, out := range outputs {
		for i, v := range out.Float32s() {
			if math.Abs(float64(v)-2.5) > 1e-6 {
				t.Fatalf("worker %d element %d: got %f, want 2.5", rank, i, v)
			}
		}
	}
}

func TestPollBeforeCollectiveCompletes(t *testing.T) {
	cluster, err := loopback.NewCluster(2, false)
	if err != nil {
		t.Fatal(err)
	}
	defer cluster.Close()

	d0 := pushpull.NewDispatcher(cluster.Worker(0))
	d1 := pushpull.NewDispatcher(cluster.Worker(1))

	submit := func(d *pushpull.Dispatcher, rank int) (pushpull.Handle, *tensor.HostTensor, error) {
		in := tensor.FromFloat32([]float32{float32(rank + 1)})
		out := tensor.NewHostTensor(tensor.Float32, 1)
		h, err := d.SubmitOperation(context.Background(), in, out, pushpull.SubmitOptions{Name: "g"})
		return h, out, err
	}

	// First round: registration blocks until both workers arrive, so it
	// has to run concurrently.
	var g errgroup.Group
	g.Go(func() error {
		h, _, err := submit(d0, 0)
		if err != nil {
			return err
		}
		return d0.WaitAndRelease(context.Background(), h)
	})
	g.Go(func() error {
		h, _, err := submit(d1, 1)
		if err != nil {
			return err
		}
		return d1.WaitAndRelease(context.Background(), h)
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// Second round: the name is registered, so worker 0's submission
	// returns immediately while the collective is still waiting on
	// worker 1.
	h0, out0, err := submit(d0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d0.PollHandle(h0) {
		t.Fatal("handle done before the other worker joined the collective")
	}

	h1, _, err := submit(d1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := d1.WaitAndRelease(context.Background(), h1); err != nil {
		t.Fatal(err)
	}
	if err := d0.WaitAndRelease(context.Background(), h0); err != nil {
		t.Fatal(err)
	}
	if got := out0.Float32s()[0]; got != 3 {
		t.Fatalf("reduced value = %f, want 3", got)
	}
}
