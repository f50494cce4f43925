// Package storage issues time-limited URLs for job inputs and outputs.
package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// URLSigner issues presigned download and upload URLs for a file on a disk.
type URLSigner interface {
	DownloadURL(ctx context.Context, disk, path string, ttl time.Duration) (string, error)
	UploadURL(ctx context.Context, disk, path string, ttl time.Duration, contentType string) (Upload, error)
}

// Upload is a presigned PUT. Headers must be sent with the request exactly as
// given; Content-Type is always among them when one was requested.
type Upload struct {
	URL     string
	Headers map[string]string
}

// S3Options configures the S3 client behind S3Signer.
type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
	// Buckets maps disk names to bucket names.
	Buckets map[string]string
}

// S3Signer presigns object requests; signing happens locally with no network call.
type S3Signer struct {
	presign *s3.PresignClient
	buckets map[string]string
}

// NewS3Signer loads the default AWS credential chain and builds a signer.
func NewS3Signer(ctx context.Context, opts S3Options) (*S3Signer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3SignerFromConfig(awsCfg, opts), nil
}

// NewS3SignerFromConfig builds a signer from an explicit AWS config.
func NewS3SignerFromConfig(awsCfg aws.Config, opts S3Options) *S3Signer {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	buckets := make(map[string]string, len(opts.Buckets))
	for disk, bucket := range opts.Buckets {
		buckets[disk] = bucket
	}
	return &S3Signer{presign: s3.NewPresignClient(client), buckets: buckets}
}

func (s *S3Signer) bucket(disk string) (string, error) {
	b, ok := s.buckets[disk]
	if !ok || b == "" {
		return "", fmt.Errorf("no bucket configured for disk %q", disk)
	}
	return b, nil
}

func (s *S3Signer) DownloadURL(ctx context.Context, disk, path string, ttl time.Duration) (string, error) {
	bucket, err := s.bucket(disk)
	if err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", path, err)
	}
	return req.URL, nil
}

func (s *S3Signer) UploadURL(ctx context.Context, disk, path string, ttl time.Duration, contentType string) (Upload, error) {
	bucket, err := s.bucket(disk)
	if err != nil {
		return Upload{}, err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	req, err := s.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return Upload{}, fmt.Errorf("presign put %s: %w", path, err)
	}
	return Upload{URL: req.URL, Headers: uploadHeaders(req.SignedHeader, contentType)}, nil
}

// uploadHeaders flattens the headers the presigner expects on the PUT. Host is
// implied by the URL.
func uploadHeaders(signed http.Header, contentType string) map[string]string {
	headers := make(map[string]string, len(signed)+1)
	for name, values := range signed {
		if strings.EqualFold(name, "Host") || len(values) == 0 {
			continue
		}
		headers[http.CanonicalHeaderKey(name)] = strings.Join(values, ",")
	}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	return headers
}
