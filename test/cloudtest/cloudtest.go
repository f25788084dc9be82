// Package cloudtest points S3 store integration tests at a local moto
// server so the staging, delivery, and manifest paths can run without
// AWS credentials. Tests importing it carry the cloudintegration build
// tag and skip themselves when no server answers.
//
//	func TestStagePath(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    bucket := cloudtest.Bucket(t, ctx)
//	    cloudtest.SeedObject(t, ctx, bucket, "staged/granule.nc", data)
//	    ...
//	}
package cloudtest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Moto accepts any credentials; these only have to be non-empty so the
// SDK's static provider is satisfied.
const (
	AccessKey = "testing"
	SecretKey = "testing"
)

var (
	// Endpoint is the moto server address. Port 5555 stays clear of
	// macOS AirTunes on 5000.
	Endpoint = envOr("MOTO_ENDPOINT", "http://localhost:5555")

	// Region is the region the test store is configured with.
	Region = envOr("MOTO_REGION", "us-east-1")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SkipIfUnavailable skips the test unless a moto server answers at
// Endpoint.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !serverUp() {
		t.Skipf("moto server not answering at %s (start with: make moto-start)", Endpoint)
	}
}

func serverUp() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

var (
	sdkOnce   sync.Once
	sdkClient *s3.Client
	sdkErr    error
)

// client returns the shared SDK client used to arrange fixtures. The
// store under test builds its own client from Endpoint and the keys.
func client(t *testing.T) *s3.Client {
	t.Helper()
	sdkOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(AccessKey, SecretKey, "")),
		)
		if err != nil {
			sdkErr = err
			return
		}
		sdkClient = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	if sdkErr != nil {
		t.Fatalf("configure moto client: %v", sdkErr)
	}
	return sdkClient
}

// Bucket creates a bucket named after the test and registers cleanup
// that empties and removes it.
func Bucket(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := client(t)
	name := bucketName(t.Name())
	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { drainBucket(t, context.Background(), name) })
	return name
}

// bucketName flattens a test name into an S3-legal bucket name with a
// geoflow marker and a nanosecond suffix for uniqueness across runs.
func bucketName(testName string) string {
	flat := strings.ToLower(strings.NewReplacer("/", "-", "_", "-").Replace(testName))
	if len(flat) > 40 {
		flat = flat[:40]
	}
	flat = strings.Trim(flat, "-")
	return fmt.Sprintf("geoflow-%s-%d", flat, time.Now().UnixNano()%1_000_000)
}

func drainBucket(t *testing.T, ctx context.Context, bucket string) {
	t.Helper()

	c := client(t)
	pager := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			t.Logf("cleanup: list %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    obj.Key,
			}); err != nil {
				t.Logf("cleanup: delete %s/%s: %v", bucket, aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("cleanup: delete bucket %s: %v", bucket, err)
	}
}

// SeedObject writes one fixture object into the bucket.
func SeedObject(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()

	c := client(t)
	if _, err := c.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	}); err != nil {
		t.Fatalf("seed object %s/%s: %v", bucket, key, err)
	}
}

// SeedTree writes a fixture object for every key, each with filler
// content naming its key. Useful for listing and copy-prefix tests
// over zarr-style trees.
func SeedTree(t *testing.T, ctx context.Context, bucket string, keys []string) {
	t.Helper()
	for _, key := range keys {
		SeedObject(t, ctx, bucket, key, []byte("fixture bytes for "+key))
	}
}
