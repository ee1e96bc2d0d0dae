// Package blobs persists the output tensors of completed operations to a
// snapshot store, keyed by logical tensor name and version.
package blobs

import (
	"context"
	"fmt"

	"github.com/distml/pushpull/pkg/tensor"
)

// SnapshotInfo keys one stored tensor snapshot.
type SnapshotInfo struct {
	Name    string
	Version int32
}

// Key returns the object key for the snapshot.
func (i SnapshotInfo) Key() string {
	return fmt.Sprintf("%s/v%d", i.Name, i.Version)
}

type SnapshotReader interface {
	// Get returns the stored bytes. If no snapshot exists for info, Get
	// returns an error for which errors.Is(err, os.ErrNotExist) is true.
	Get(ctx context.Context, info SnapshotInfo) ([]byte, error)
}

type Store interface {
	SnapshotReader
	// Put stores data under info. If a snapshot with the same key already
	// exists, Put should do nothing and return no error.
	Put(ctx context.Context, info SnapshotInfo, data []byte) error
}

// PutTensor snapshots a host-resident tensor.
func PutTensor(ctx context.Context, s Store, info SnapshotInfo, t tensor.Tensor) error {
	if t.Device() != tensor.CPUDevice || t.Data() == nil {
		return fmt.Errorf("snapshot %q: tensor is not host-resident", info.Key())
	}
	return s.Put(ctx, info, t.Data())
}
