package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/earthscale/geoflow/pkg/storage"
)

// Store implements storage.Store for AWS S3 and S3-compatible stores.
type Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	defaultBucket string
	maxKeys       int
}

// Ensure Store implements the storage interfaces.
var (
	_ storage.Store     = (*Store)(nil)
	_ storage.Getter    = (*Store)(nil)
	_ storage.Putter    = (*Store)(nil)
	_ storage.Deleter   = (*Store)(nil)
	_ storage.Copier    = (*Store)(nil)
	_ storage.Presigner = (*Store)(nil)
)

// New creates an S3 store with the given configuration.
//
// Credentials resolve through the SDK default chain unless explicit
// credentials are provided; when cfg.RoleARN is set, the resolved
// credentials are used to assume that role.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &storage.StoreError{
			Op:      "New",
			Backend: storage.BackendS3,
			Bucket:  cfg.Bucket,
			Err:     err,
		}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	return &Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		defaultBucket: cfg.Bucket,
		maxKeys:       maxKeys,
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if set; let the SDK resolve from
	// env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)

	if cfg.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		provider := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN,
			func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = fmt.Sprintf("geoflow-session-%d", os.Getpid())
			})
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return awsCfg, nil
}

// List returns a page of objects with the given prefix.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	bucket, err := s.resolveBucket(opts.Bucket)
	if err != nil {
		return nil, &storage.StoreError{Op: "List", Backend: storage.BackendS3, Err: err}
	}

	maxKeys := clampMaxKeys(opts.MaxKeys, s.maxKeys)

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(int32(maxKeys)),
	}
	if opts.Prefix != "" {
		input.Prefix = aws.String(opts.Prefix)
	}
	if opts.ContinuationToken != "" {
		input.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	output, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, s.wrapError("List", bucket, "", err)
	}

	objects := make([]storage.ObjectSummary, 0, len(output.Contents))
	for _, obj := range output.Contents {
		objects = append(objects, storage.ObjectSummary{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ETag:         cleanETag(aws.ToString(obj.ETag)),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}

	result := &storage.ListResult{
		Objects:     objects,
		IsTruncated: aws.ToBool(output.IsTruncated),
	}
	if output.NextContinuationToken != nil {
		result.ContinuationToken = *output.NextContinuationToken
	}

	return result, nil
}

// Head returns metadata for a single object.
func (s *Store) Head(ctx context.Context, bucket, key string) (*storage.ObjectMeta, error) {
	bucket, err := s.resolveBucket(bucket)
	if err != nil {
		return nil, &storage.StoreError{Op: "Head", Backend: storage.BackendS3, Key: key, Err: err}
	}

	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.wrapError("Head", bucket, key, err)
	}

	return &storage.ObjectMeta{
		ObjectSummary: storage.ObjectSummary{
			Key:          key,
			Size:         aws.ToInt64(output.ContentLength),
			ETag:         cleanETag(aws.ToString(output.ETag)),
			LastModified: aws.ToTime(output.LastModified),
		},
		ContentType: aws.ToString(output.ContentType),
		Metadata:    output.Metadata,
	}, nil
}

// Get downloads an object as a stream. The caller must close the body.
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, *storage.ObjectMeta, error) {
	bucket, err := s.resolveBucket(bucket)
	if err != nil {
		return nil, nil, &storage.StoreError{Op: "Get", Backend: storage.BackendS3, Key: key, Err: err}
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, s.wrapError("Get", bucket, key, err)
	}

	meta := &storage.ObjectMeta{
		ObjectSummary: storage.ObjectSummary{
			Key:          key,
			Size:         aws.ToInt64(output.ContentLength),
			ETag:         cleanETag(aws.ToString(output.ETag)),
			LastModified: aws.ToTime(output.LastModified),
		},
		ContentType: aws.ToString(output.ContentType),
		Metadata:    output.Metadata,
	}

	return output.Body, meta, nil
}

// Put creates or overwrites an object.
func (s *Store) Put(ctx context.Context, bucket, key string, body io.Reader, contentLength int64, contentType string) error {
	bucket, err := s.resolveBucket(bucket)
	if err != nil {
		return &storage.StoreError{Op: "Put", Backend: storage.BackendS3, Key: key, Err: err}
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentLength >= 0 {
		input.ContentLength = aws.Int64(contentLength)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s.wrapError("Put", bucket, key, err)
	}
	return nil
}

// Delete removes an object. Deleting a missing key is not an error on S3.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	bucket, err := s.resolveBucket(bucket)
	if err != nil {
		return &storage.StoreError{Op: "Delete", Backend: storage.BackendS3, Key: key, Err: err}
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return s.wrapError("Delete", bucket, key, err)
	}
	return nil
}

// Copy performs a server-side copy between buckets. Zarr stores and COG
// sets move between staging and product buckets without round-tripping
// bytes through the orchestrator.
func (s *Store) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	dstBucket, err := s.resolveBucket(dstBucket)
	if err != nil {
		return &storage.StoreError{Op: "Copy", Backend: storage.BackendS3, Key: dstKey, Err: err}
	}

	// CopySource requires a URI-encoded "bucket/key"; EscapedPath keeps
	// the slashes while encoding everything else.
	source := (&url.URL{Path: srcBucket + "/" + srcKey}).EscapedPath()

	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(source),
	}); err != nil {
		return s.wrapError("Copy", dstBucket, dstKey, err)
	}
	return nil
}

// PresignGet mints a time-limited GET URL for an object.
func (s *Store) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	bucket, err := s.resolveBucket(bucket)
	if err != nil {
		return "", &storage.StoreError{Op: "PresignGet", Backend: storage.BackendS3, Key: key, Err: err}
	}

	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", s.wrapError("PresignGet", bucket, key, err)
	}
	return req.URL, nil
}

// Close releases any resources held by the store.
// The S3 client requires no explicit cleanup; this satisfies the interface.
func (s *Store) Close() error {
	return nil
}

// resolveBucket falls back to the configured default bucket.
func (s *Store) resolveBucket(bucket string) (string, error) {
	if bucket != "" {
		return bucket, nil
	}
	if s.defaultBucket != "" {
		return s.defaultBucket, nil
	}
	return "", storage.ErrMissingBucket
}

// wrapError converts S3 errors to storage errors with sentinel mapping.
//
// Classification runs three tiers in order: typed SDK errors, smithy API
// error codes, then message substrings for errors that arrive untyped
// through middleware.
func (s *Store) wrapError(op, bucket, key string, err error) error {
	wrapped := &storage.StoreError{
		Op:      op,
		Backend: storage.BackendS3,
		Bucket:  bucket,
		Key:     key,
		Err:     err,
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = storage.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = storage.ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = storage.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = storage.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = storage.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = storage.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = storage.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = storage.ErrUnavailable
		}
		return wrapped
	}

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = storage.ErrNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		wrapped.Err = storage.ErrBucketNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = storage.ErrAccessDenied
	case strings.Contains(errMsg, "InvalidAccessKeyId") || strings.Contains(errMsg, "SignatureDoesNotMatch"):
		wrapped.Err = storage.ErrInvalidCredentials
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		wrapped.Err = storage.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = storage.ErrUnavailable
	}

	return wrapped
}

// cleanETag removes surrounding quotes from an ETag value.
func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// clampMaxKeys applies defaults and the S3 page-size ceiling.
func clampMaxKeys(requested, storeDefault int) int {
	if requested <= 0 {
		requested = storeDefault
	}
	if requested > MaxAllowedKeys {
		return MaxAllowedKeys
	}
	return requested
}

// resolveRegion applies the fallback default after SDK resolution. For
// S3-compatible stores (endpoint set) no default is applied.
func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
