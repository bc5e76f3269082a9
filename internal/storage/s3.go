package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/waveforge/convert-api/internal/job"
)

// Multipart upload tuning. Parts stream from the transcoder's stdout, so a
// small bounded window keeps resident memory at partSize*queueSize plus
// pipe buffers regardless of input size.
const (
	multipartPartSize  = 5 * 1024 * 1024
	multipartQueueSize = 4
)

// Retry tuning for every storage call.
const (
	retryMaxAttempts = 4 // initial call + 3 retries
	retryMaxBackoff  = 10 * time.Second
)

// S3Config holds the configuration for the S3 gateway.
type S3Config struct {
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
}

// S3Gateway implements Gateway on top of the AWS S3 SDK.
type S3Gateway struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
}

// Compile-time check that S3Gateway implements Gateway.
var _ Gateway = (*S3Gateway)(nil)

// NewS3Gateway creates a gateway with the bounded-backoff retryer applied to
// all operations. This is the single place retry policy is configured.
func NewS3Gateway(ctx context.Context, cfg S3Config) (*S3Gateway, error) {
	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = retryMaxAttempts
				o.MaxBackoff = retryMaxBackoff
			})
		}),
	}

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)
	return NewS3GatewayFromClient(client), nil
}

// NewS3GatewayFromClient wraps an already-configured S3 client.
func NewS3GatewayFromClient(client *s3.Client) *S3Gateway {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = multipartPartSize
		u.Concurrency = multipartQueueSize
		// Abort the multipart session when any part fails.
		u.LeavePartsOnError = false
	})
	return &S3Gateway{
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: uploader,
	}
}

// Head returns object metadata, mapping missing keys to ErrNotFound.
func (g *S3Gateway) Head(ctx context.Context, ref job.BlobRef) (ObjectInfo, error) {
	out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, ref.Bucket, ref.Key)
		}
		return ObjectInfo{}, fmt.Errorf("head object: %w", err)
	}

	info := ObjectInfo{
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		ETag:        aws.ToString(out.ETag),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// Get returns the object body as a stream.
func (g *S3Gateway) Get(ctx context.Context, ref job.BlobRef) (io.ReadCloser, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, ref.Bucket, ref.Key)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}

// PutSmall uploads a small body in a single request.
func (g *S3Gateway) PutSmall(ctx context.Context, ref job.BlobRef, data []byte, contentType string) error {
	if len(data) > PutSmallLimit {
		return fmt.Errorf("body of %d bytes exceeds single-shot limit, use Upload", len(data))
	}
	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(ref.Bucket),
		Key:         aws.String(ref.Key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Upload streams body into the object via multipart upload. The upload
// manager keeps at most multipartQueueSize parts of multipartPartSize bytes
// in flight and submits them in ascending part number on completion.
func (g *S3Gateway) Upload(ctx context.Context, ref job.BlobRef, contentType string, body io.Reader) (ObjectInfo, error) {
	_, err := g.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(ref.Bucket),
		Key:         aws.String(ref.Key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("multipart upload: %w", err)
	}

	// The upload result carries no size; read it back.
	return g.Head(ctx, ref)
}

// Presign returns a time-limited GET URL.
func (g *S3Gateway) Presign(ctx context.Context, ref job.BlobRef, ttl time.Duration, responseDisposition string) (string, error) {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	}
	if responseDisposition != "" {
		input.ResponseContentDisposition = aws.String(responseDisposition)
	}

	req, err := g.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return req.URL, nil
}

// List returns up to limit objects under the prefix.
func (g *S3Gateway) List(ctx context.Context, bucket, prefix string, limit int) ([]ObjectSummary, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if limit > 0 {
		input.MaxKeys = aws.Int32(int32(limit))
	}

	out, err := g.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	result := make([]ObjectSummary, 0, len(out.Contents))
	for _, obj := range out.Contents {
		s := ObjectSummary{
			Key:  aws.ToString(obj.Key),
			Size: aws.ToInt64(obj.Size),
		}
		if obj.LastModified != nil {
			s.LastModified = *obj.LastModified
		}
		result = append(result, s)
	}
	return result, nil
}

// isNotFound recognises the S3 error shapes for a missing object.
func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}
