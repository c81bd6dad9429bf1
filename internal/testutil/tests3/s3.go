package tests3

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/testutil/testenv"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	bucket = "contentpool-blobs"
	region = "us-east-1"
)

// Configure starts LocalStack, creates the blob bucket and points cfg's hot
// and cold tiers at it. The AWS environment is set for the rest of the test
// so the s3 plugin's default credential chain resolves to LocalStack.
func Configure(tb testing.TB, cfg *config.Config) {
	tb.Helper()
	c := testenv.Start(tb, testcontainers.ContainerRequest{
		Image:        "localstack/localstack:latest",
		ExposedPorts: []string{"4566/tcp"},
		Env:          map[string]string{"SERVICES": "s3"},
		WaitingFor:   wait.ForHTTP("/_localstack/health").WithPort("4566/tcp").WithStartupTimeout(90 * time.Second),
	})
	ctx := context.Background()
	endpoint, err := c.PortEndpoint(ctx, "4566/tcp", "http")
	if err != nil {
		tb.Fatalf("localstack endpoint: %v", err)
	}

	tb.Setenv("AWS_ENDPOINT_URL", endpoint)
	tb.Setenv("AWS_ACCESS_KEY_ID", "test")
	tb.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	tb.Setenv("AWS_REGION", region)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		tb.Fatalf("aws config: %v", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
		tb.Fatalf("create bucket %s: %v", bucket, err)
	}

	cfg.BlobType = "s3"
	cfg.S3Bucket = bucket
	cfg.S3UsePathStyle = true
}
