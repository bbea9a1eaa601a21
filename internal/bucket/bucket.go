// Package bucket is the object-storage side of the pipeline: streaming
// part uploads, prefix listings and staged downloads against S3.
package bucket

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"s2b/internal/fault"
)

// Metadata keys written on every uploaded part.
const (
	MetaDiscSize     = "disc-size"
	MetaVolumeSize   = "snap-volume-size"
	MetaCreationTime = "creation-time"
	MetaBlake3       = "blake3"
)

type Object struct {
	Key  string
	Size int64
}

type ObjectInfo struct {
	Size     int64
	Metadata map[string]string
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Store is the object-storage capability the pipelines consume.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	Download(ctx context.Context, key, localPath string) (int64, error)
	Tag(ctx context.Context, key string, tags map[string]string) error
	Tags(ctx context.Context, key string) (map[string]string, error)
	Verify(ctx context.Context) error
}

type S3 struct {
	client       *s3.Client
	uploader     *manager.Uploader
	downloader   *manager.Downloader
	bucket       string
	storageClass types.StorageClass
}

func NewS3(ctx context.Context, bucket, region, endpoint string, storageClass types.StorageClass, maxRetryAttempts int) (*S3, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(region))

	if maxRetryAttempts > 0 {
		configOpts = append(configOpts,
			awsconfig.WithRetryMaxAttempts(maxRetryAttempts),
			awsconfig.WithRetryMode(aws.RetryModeStandard),
		)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if endpoint != "" {
		if accessKey := os.Getenv("AWS_ACCESS_KEY_ID"); accessKey != "" {
			if secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY"); secretKey != "" {
				cfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
			}
		}
	}

	var client *s3.Client
	if endpoint != "" {
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
		slog.Info("S3 client initialized with custom endpoint", "endpoint", endpoint)
	} else {
		client = s3.NewFromConfig(cfg)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 64 * 1024 * 1024
		// A failed upload aborts its in-flight multipart parts.
		u.LeavePartsOnError = false
		u.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenSupported
	})

	if storageClass == "" {
		return nil, fault.New(fault.Config, "storage class must be specified")
	}

	return &S3{
		client:       client,
		uploader:     uploader,
		downloader:   manager.NewDownloader(client),
		bucket:       bucket,
		storageClass: storageClass,
	}, nil
}

// Put streams body into the bucket under key. The transfer manager
// runs a concurrent multipart upload internally; body is consumed
// sequentially and never fully buffered.
func (s *S3) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         body,
		StorageClass: s.storageClass,
		Metadata:     opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, fault.FromProvider(err))
	}

	slog.Info("Uploaded to S3", "bucket", s.bucket, "key", key, "storageClass", s.storageClass)
	return nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, fault.FromProvider(err))
		}
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	return objects, nil
}

func (s *S3) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to head object %s: %w", key, fault.FromProvider(err))
	}

	info := &ObjectInfo{Metadata: output.Metadata}
	if output.ContentLength != nil {
		info.Size = *output.ContentLength
	}
	return info, nil
}

func (s *S3) Download(ctx context.Context, key, localPath string) (int64, error) {
	file, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}
	defer file.Close()

	numBytes, err := s.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		os.Remove(localPath)
		return 0, fmt.Errorf("failed to download %s: %w", key, fault.FromProvider(err))
	}

	slog.Info("Downloaded from S3", "bucket", s.bucket, "key", key, "bytes", numBytes)
	return numBytes, nil
}

// Tag sets object tags after an upload has completed. Content hashes
// are delivered this way because they are only known once the stream
// has been consumed, and metadata is immutable after PutObject.
func (s *S3) Tag(ctx context.Context, key string, tags map[string]string) error {
	set := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		set = append(set, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	_, err := s.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(key),
		Tagging: &types.Tagging{TagSet: set},
	})
	if err != nil {
		return fmt.Errorf("failed to tag %s: %w", key, fault.FromProvider(err))
	}
	return nil
}

func (s *S3) Tags(ctx context.Context, key string) (map[string]string, error) {
	out, err := s.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tags of %s: %w", key, fault.FromProvider(err))
	}
	tags := make(map[string]string, len(out.TagSet))
	for _, t := range out.TagSet {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return tags, nil
}

// Verify checks credentials and bucket access before any resource is
// acquired.
func (s *S3) Verify(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("failed to verify access to bucket %s: %w", s.bucket, fault.FromProvider(err))
	}
	return nil
}

// ValidStorageClasses are the classes accepted for archive uploads.
var ValidStorageClasses = []types.StorageClass{
	types.StorageClassStandard,
	types.StorageClassReducedRedundancy,
	types.StorageClassStandardIa,
	types.StorageClassOnezoneIa,
	types.StorageClassIntelligentTiering,
	types.StorageClassGlacier,
	types.StorageClassDeepArchive,
}

func ValidateStorageClass(storageClass string) error {
	for _, sc := range ValidStorageClasses {
		if string(sc) == storageClass {
			return nil
		}
	}
	return fault.New(fault.Config, "unrecognized storage class %q", storageClass)
}
