package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// GCSStore stores tensor snapshots in a Google Cloud Storage bucket.
type GCSStore struct {
	Bucket string
	// Prefix is prepended to every object key, so one bucket can hold
	// snapshots from several jobs.
	Prefix string
}

var _ Store = (*GCSStore)(nil)

func (s *GCSStore) objectKey(info SnapshotInfo) string {
	return path.Join(s.Prefix, info.Key())
}

func (s *GCSStore) Put(ctx context.Context, info SnapshotInfo, data []byte) error {
	log := klog.FromContext(ctx)

	objectKey := s.objectKey(info)
	gcsURL := "gs://" + s.Bucket + "/" + objectKey

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	obj := client.Bucket(s.Bucket).Object(objectKey)
	objAttrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			objAttrs = nil
			// Fallthrough to upload object
		} else {
			return fmt.Errorf("getting object attributes for %q: %w", gcsURL, err)
		}
	}
	if objAttrs != nil {
		log.Info("snapshot already exists in GCS", "url", gcsURL)
		return nil
	}

	startedAt := time.Now()
	w := obj.NewWriter(ctx)
	n, err := w.Write(data)
	if err != nil {
		return fmt.Errorf("uploading snapshot to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	log.Info("uploaded snapshot to GCS", "url", gcsURL, "bytes", n, "duration", time.Since(startedAt))

	return nil
}

func (s *GCSStore) Get(ctx context.Context, info SnapshotInfo) ([]byte, error) {
	log := klog.FromContext(ctx)

	objectKey := s.objectKey(info)
	gcsURL := "gs://" + s.Bucket + "/" + objectKey

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	startedAt := time.Now()
	r, err := client.Bucket(s.Bucket).Object(objectKey).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("snapshot %q: %w", gcsURL, os.ErrNotExist)
		}
		return nil, fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("downloading snapshot from GCS: %w", err)
	}

	log.Info("downloaded snapshot from GCS", "url", gcsURL, "bytes", len(data), "duration", time.Since(startedAt))

	return data, nil
}
