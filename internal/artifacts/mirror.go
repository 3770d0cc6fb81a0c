package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MirrorOptions configures the S3-compatible mirror.
type MirrorOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinIOMirror uploads artifacts to a bucket with minio-go.
type MinIOMirror struct {
	client *minio.Client
	bucket string
}

// NewMinIOMirror connects to the endpoint and creates the bucket when it
// does not exist yet.
func NewMinIOMirror(ctx context.Context, opts MirrorOptions) (*MinIOMirror, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("artifact mirror: endpoint and bucket are required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.UseSSL,
		Region:       opts.Region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("artifact mirror client: %w", err)
	}
	if err := ensureBucket(ctx, client, opts.Bucket, opts.Region); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", opts.Bucket, err)
	}
	return &MinIOMirror{client: client, bucket: opts.Bucket}, nil
}

// Put uploads content under key.
func (m *MinIOMirror) Put(ctx context.Context, key string, content []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
