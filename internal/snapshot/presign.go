// Package snapshot turns stored snapshot references into client download URLs.
// Snapshot bytes never pass through this service.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotPresignable = errors.New("snapshot reference is not presignable")

const DefaultPresignTTL = 15 * time.Minute

type Config struct {
	Endpoint   string
	Region     string
	Bucket     string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	PresignTTL time.Duration
}

type Presigner struct {
	cl     *minio.Client
	bucket string
	ttl    time.Duration
}

func New(cfg Config) (*Presigner, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	region := cfg.Region
	if region == "" {
		// A fixed region keeps presigning local; minio would otherwise look up the bucket location.
		region = "us-east-1"
	}
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	return &Presigner{cl: cl, bucket: cfg.Bucket, ttl: ttl}, nil
}

// ParseRef splits an s3://bucket/key reference.
func ParseRef(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(ref), "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// DownloadURL returns a time-limited GET URL for ref. Plain http(s) references are returned unchanged.
func (p *Presigner) DownloadURL(ctx context.Context, ref string) (string, error) {
	if parsed, err := url.Parse(ref); err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != "" {
		return ref, nil
	}
	bucket, key, ok := ParseRef(ref)
	if !ok {
		return "", ErrNotPresignable
	}
	if p.bucket != "" && bucket != p.bucket {
		return "", fmt.Errorf("%w: bucket %q is not configured", ErrNotPresignable, bucket)
	}
	signed, err := p.cl.PresignedGetObject(ctx, bucket, key, p.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ref, err)
	}
	return signed.String(), nil
}
