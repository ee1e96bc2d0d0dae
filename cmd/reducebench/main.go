// reducebench runs push-pull collectives over an in-process loopback
// cluster: every worker submits the same named tensor, waits, and the
// results are verified against the expected reduction. Useful as a smoke
// test and as a rough dispatch-overhead benchmark.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/distml/pushpull/pkg/blobs"
	"github.com/distml/pushpull/pkg/engine/loopback"
	"github.com/distml/pushpull/pkg/pushpull"
	"github.com/distml/pushpull/pkg/tensor"
)

var (
	workers        = flag.Int("workers", 4, "number of loopback workers")
	size           = flag.Int("size", 1<<20, "elements per tensor")
	iterations     = flag.Int("iterations", 10, "collective rounds to run")
	distributed    = flag.Bool("distributed", false, "report a multi-machine topology to the planner")
	average        = flag.Bool("average", true, "divide the reduced tensor by the worker count")
	snapshotBucket = flag.String("snapshot-bucket", "", "GCS bucket to upload the final reduced tensor to (optional)")
	snapshotPrefix = flag.String("snapshot-prefix", "reducebench", "object key prefix for snapshots")
)

func main() {
	ctx := context.Background()
	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	cluster, err := loopback.NewCluster(*workers, *distributed)
	if err != nil {
		return err
	}
	defer cluster.Close()

	outputs := make([]*tensor.HostTensor, *workers)

	startedAt := time.Now()
	var g errgroup.Group
	for rank := 0; rank < *workers; rank++ {
		rank := rank
		g.Go(func() error {
			return runWorker(ctx, cluster.Worker(rank), outputs)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(startedAt)

	log.Info("benchmark complete",
		"workers", *workers, "iterations", *iterations, "elements", *size,
		"duration", elapsed, "perOp", elapsed/time.Duration(*iterations))

	if err := verify(outputs); err != nil {
		return err
	}

	if *snapshotBucket != "" {
		store := &blobs.GCSStore{Bucket: *snapshotBucket, Prefix: *snapshotPrefix}
		info := blobs.SnapshotInfo{Name: "bench", Version: int32(*iterations - 1)}
		if err := blobs.PutTensor(ctx, store, info, outputs[0]); err != nil {
			return fmt.Errorf("uploading snapshot: %w", err)
		}
	}

	return nil
}

func runWorker(ctx context.Context, eng *loopback.Worker, outputs []*tensor.HostTensor) error {
	d := pushpull.NewDispatcher(eng)
	rank := eng.Rank()

	in := tensor.NewHostTensor(tensor.Float32, *size)
	vals := in.Float32s()
	for i := range vals {
		vals[i] = float32(rank + 1)
	}
	out := tensor.NewHostTensor(tensor.Float32, *size)
	outputs[rank] = out

	for iter := 0; iter < *iterations; iter++ {
		h, err := d.SubmitOperation(ctx, in, out, pushpull.SubmitOptions{
			Name:    "bench",
			Version: int32(iter),
			Average: *average,
		})
		if err != nil {
			return fmt.Errorf("worker %d submitting iteration %d: %w", rank, iter, err)
		}
		if err := d.WaitAndRelease(ctx, h); err != nil {
			return fmt.Errorf("worker %d iteration %d failed: %w", rank, iter, err)
		}
	}
	return nil
}

func verify(outputs []*tensor.HostTensor) error {
	n := len(outputs)
	// Worker r contributes r+1 everywhere, so the sum is n(n+1)/2.
	want := float64(n) * float64(n+1) / 2
	if *average {
		want /= float64(n)
	}
	for rank, out := range outputs {
		for i, v := range out.Float32s() {
			if math.Abs(float64(v)-want) > 1e-5 {
				return fmt.Errorf("worker %d element %d: got %f, want %f", rank, i, v, want)
			}
		}
	}
	return nil
}
