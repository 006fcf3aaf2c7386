//go:build gcp

package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/deskflow-io/deskflow/pkg/contracts"
)

// GCSStore keeps evidence artifacts in a Google Cloud Storage bucket under
// {prefix}{kind}/{key}{ext}.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed evidence store using ADC credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) objectKey(kind, key string) (string, error) {
	l, ok := kindLayout[kind]
	if !ok {
		return "", fmt.Errorf("evidence: unknown kind %q", kind)
	}
	return s.prefix + l.dir + "/" + key + l.ext, nil
}

func (s *GCSStore) Put(ctx context.Context, kind, key string, data []byte) (contracts.EvidenceRef, error) {
	objKey, err := s.objectKey(kind, key)
	if err != nil {
		return contracts.EvidenceRef{}, err
	}
	ref := contracts.EvidenceRef{Kind: kind, Key: key, Digest: digestOf(data), Path: "gs://" + s.bucket + "/" + objKey}

	obj := s.client.Bucket(s.bucket).Object(objKey)
	if _, err := obj.Attrs(ctx); err == nil {
		// Write-once: keep the first artifact.
		return ref, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if kind == KindDOMSchema {
		w.ContentType = "application/json"
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return contracts.EvidenceRef{}, fmt.Errorf("evidence: gcs write %s: %w", objKey, err)
	}
	if err := w.Close(); err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("evidence: gcs close %s: %w", objKey, err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, kind, key string) ([]byte, error) {
	objKey, err := s.objectKey(kind, key)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(objKey).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: gcs get %s: %w", objKey, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, kind, key string) (bool, error) {
	objKey, err := s.objectKey(kind, key)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(objKey).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, err
}
