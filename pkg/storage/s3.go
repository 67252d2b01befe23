package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/garimpo-io/garimpo/pkg/config"
	"github.com/garimpo-io/garimpo/pkg/errors"
	"github.com/garimpo-io/garimpo/pkg/logger"
)

const uploadPartSize = 8 * 1024 * 1024

// S3Store stores objects in one S3 (or S3-compatible) bucket.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	logger   *zap.Logger
}

// NewS3Store builds a store from the storage config. A custom endpoint plus
// path-style addressing targets MinIO-style deployments; with CreateBucket
// set, a missing bucket is created on startup.
func NewS3Store(ctx context.Context, cfg config.StorageConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "storage bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "loading AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	store := &S3Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = uploadPartSize
		}),
		bucket: cfg.Bucket,
		logger: logger.Get().With(zap.String("component", "storage"), zap.String("bucket", cfg.Bucket)),
	}

	if cfg.CreateBucket {
		if err := store.ensureBucket(ctx); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(data),
		Metadata: lowerKeys(opts.Metadata),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "uploading object").
			WithDetail("key", key)
	}
	s.logger.Debug("object stored", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, classifyS3(err, key, "getting object")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeStorage, "reading object body").
			WithDetail("key", key)
	}

	info := &ObjectInfo{
		Key:         key,
		Size:        int64(len(data)),
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    lowerKeys(out.Metadata),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return data, info, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3(err, key, "heading object")
	}

	info := &ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    lowerKeys(out.Metadata),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

func (s *S3Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(s.bucket + "/" + srcKey),
	})
	if err != nil {
		return classifyS3(err, srcKey, "copying object")
	}
	s.logger.Debug("object copied", zap.String("from", srcKey), zap.String("to", dstKey))
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "deleting object").
			WithDetail("key", key)
	}
	return nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return errors.Wrap(err, errors.ErrorTypeStorage, "checking bucket")
	}

	s.logger.Info("creating bucket")
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if stderrors.As(err, &owned) {
			return nil
		}
		return errors.Wrap(err, errors.ErrorTypeStorage, "creating bucket")
	}
	return nil
}

// classifyS3 maps missing keys to the NotFound error type so callers can
// branch on absence without AWS knowledge.
func classifyS3(err error, key, op string) error {
	if isNotFound(err) {
		return errors.Newf(errors.ErrorTypeNotFound, "object not found: %s", key)
	}
	return errors.Wrap(err, errors.ErrorTypeStorage, op).WithDetail("key", key)
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if stderrors.As(err, &noKey) || stderrors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return stderrors.As(err, &apiErr) &&
		(apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NoSuchBucket")
}

func lowerKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
