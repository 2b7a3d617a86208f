package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config describes an S3-compatible media host (AWS S3, MinIO, SeaweedFS, R2...).
type S3Config struct {
	Endpoint       string // host:port or full URL; empty means AWS default endpoints
	Region         string // default "us-east-1"
	AccessKey      string
	SecretKey      string
	Bucket         string
	Prefix         string // key prefix, e.g. "avatars"
	PublicBaseURL  string // base of returned URLs; default <endpoint>/<bucket>
	ForcePathStyle bool
	Timeout        time.Duration
}

// putObjectAPI is the slice of *s3.Client the uploader needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader stores files as objects in one bucket.
type S3Uploader struct {
	api     putObjectAPI
	bucket  string
	prefix  string
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
}

// NewS3Uploader builds an uploader with static credentials.
func NewS3Uploader(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("media: S3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("media: S3 access key and secret key are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		// Custom CA bundles (AWS_CA_BUNDLE, ca_bundle) require a BuildableClient.
		awsconfig.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(timeoutOrDefault(cfg.Timeout))),
	)
	if err != nil {
		return nil, fmt.Errorf("media: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		if endpoint != "" {
			baseURL = joinURL(endpoint, cfg.Bucket)
		} else {
			baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
		}
	}

	return newS3Uploader(client, cfg.Bucket, cfg.Prefix, baseURL, cfg.Timeout, logger), nil
}

func newS3Uploader(api putObjectAPI, bucket, prefix, baseURL string, timeout time.Duration, logger *slog.Logger) *S3Uploader {
	return &S3Uploader{
		api:     api,
		bucket:  bucket,
		prefix:  prefix,
		baseURL: baseURL,
		timeout: timeout,
		logger:  logger,
	}
}

// Upload puts the file under a fresh key and returns its public URL.
// The local file is removed afterwards.
func (u *S3Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	if localPath == "" {
		return "", ErrNoFile
	}
	defer removeStaged(u.logger, localPath)

	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoFile
		}
		return "", fmt.Errorf("media: opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("media: stat %s: %w", localPath, err)
	}

	ctx, cancel := withTimeout(ctx, u.timeout)
	defer cancel()

	key := objectName(u.prefix, localPath)
	size := info.Size()
	_, err = u.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType(f)),
	})
	if err != nil {
		return "", fmt.Errorf("media: uploading %s to bucket %s: %w", key, u.bucket, err)
	}

	url := joinURL(u.baseURL, key)
	u.logger.Info("media uploaded",
		slog.String("key", key),
		slog.Int64("bytes", size),
	)
	return url, nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
