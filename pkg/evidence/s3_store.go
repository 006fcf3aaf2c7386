package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/deskflow-io/deskflow/pkg/contracts"
)

// S3Store keeps evidence artifacts in an S3 bucket under
// {prefix}{kind}/{key}{ext}. Useful when runs execute on hosts whose local
// disk is ephemeral.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewS3Store creates an S3-backed evidence store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidence: load AWS config: %w", err)
	}
	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}
	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) objectKey(kind, key string) (string, error) {
	l, ok := kindLayout[kind]
	if !ok {
		return "", fmt.Errorf("evidence: unknown kind %q", kind)
	}
	return s.prefix + l.dir + "/" + key + l.ext, nil
}

func (s *S3Store) Put(ctx context.Context, kind, key string, data []byte) (contracts.EvidenceRef, error) {
	objKey, err := s.objectKey(kind, key)
	if err != nil {
		return contracts.EvidenceRef{}, err
	}
	ref := contracts.EvidenceRef{Kind: kind, Key: key, Digest: digestOf(data), Path: "s3://" + s.bucket + "/" + objKey}

	// Write-once: keep the first artifact.
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	}); err == nil {
		return ref, nil
	}

	contentType := "application/octet-stream"
	if kind == KindDOMSchema {
		contentType = "application/json"
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}); err != nil {
		return contracts.EvidenceRef{}, fmt.Errorf("evidence: s3 put %s: %w", objKey, err)
	}
	return ref, nil
}

func (s *S3Store) Get(ctx context.Context, kind, key string) ([]byte, error) {
	objKey, err := s.objectKey(kind, key)
	if err != nil {
		return nil, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: s3 get %s: %w", objKey, err)
	}
	defer func() { _ = result.Body.Close() }()
	return io.ReadAll(result.Body)
}

func (s *S3Store) Exists(ctx context.Context, kind, key string) (bool, error) {
	objKey, err := s.objectKey(kind, key)
	if err != nil {
		return false, err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	}); err != nil {
		return false, nil
	}
	return true, nil
}
