package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/telesyncapp/telesync/internal/config"
)

// s3API is the slice of the S3 client this backend uses; it exists so
// tests can substitute a fake.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores artifacts as objects keyed userID/channelID/filename. Metadata
// is derived from the object listing, so no separate index is kept.
type S3 struct {
	log    *slog.Logger
	client s3API
	bucket string
}

// NewS3 builds the S3 backend from static credentials, with an optional
// custom endpoint for MinIO-style deployments.
func NewS3(log *slog.Logger, cfg config.S3Storage) (*S3, error) {
	if log == nil {
		log = slog.Default()
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if strings.TrimSpace(cfg.Endpoint) != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		log:    log.With(slog.String("service", "storage"), slog.String("backend", "s3")),
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// Put spools the payload to a temp file (object puts need a known length
// and a seekable body), then uploads it under the next free key.
func (s *S3) Put(ctx context.Context, req PutRequest) (string, error) {
	if err := validatePut(req); err != nil {
		return "", err
	}

	tempFile, err := os.CreateTemp("", "telesync-put-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer func() {
		tempFile.Close()
		os.Remove(tempPath)
	}()

	written, err := io.Copy(tempFile, req.Body)
	if err != nil {
		return "", fmt.Errorf("spool payload: %w", err)
	}
	if _, err := tempFile.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind spool: %w", err)
	}

	filename, err := s.availableName(ctx, req.UserID, req.ChannelID, req.Filename)
	if err != nil {
		return "", err
	}
	key := joinPath(req.UserID, req.ChannelID, filename)
	contentType := coalesce(req.ContentType, contentTypeForName(filename))

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          tempFile,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(written),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	s.log.Debug("artifact stored",
		slog.String("storage_path", key),
		slog.Int64("byte_size", written))
	return key, nil
}

// Get opens the object at storagePath.
func (s *S3) Get(ctx context.Context, storagePath string) (io.ReadCloser, Artifact, error) {
	userID, channelID, filename, ok := splitPath(storagePath)
	if !ok {
		return nil, Artifact{}, ErrArtifactNotFound
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storagePath),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, Artifact{}, ErrArtifactNotFound
		}
		return nil, Artifact{}, fmt.Errorf("get object: %w", err)
	}

	artifact := Artifact{
		StoragePath: storagePath,
		UserID:      userID,
		ChannelID:   channelID,
		Filename:    filename,
		ByteSize:    aws.ToInt64(out.ContentLength),
		ContentType: coalesce(aws.ToString(out.ContentType), contentTypeForName(filename)),
		CreatedAt:   aws.ToTime(out.LastModified),
	}
	return out.Body, artifact, nil
}

// List walks the user's key prefix and derives artifact records from the
// listing.
func (s *S3) List(ctx context.Context, userID string) ([]Artifact, error) {
	var out []Artifact
	var token *string
	prefix := userID + "/"
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			keyUser, channelID, filename, ok := splitPath(key)
			if !ok || keyUser != userID {
				continue
			}
			out = append(out, Artifact{
				StoragePath: key,
				UserID:      userID,
				ChannelID:   channelID,
				Filename:    filename,
				ByteSize:    aws.ToInt64(obj.Size),
				ContentType: contentTypeForName(filename),
				CreatedAt:   aws.ToTime(obj.LastModified),
			})
		}
		if !aws.ToBool(page.IsTruncated) {
			break
		}
		token = page.NextContinuationToken
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Delete removes the object at storagePath.
func (s *S3) Delete(ctx context.Context, storagePath string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storagePath),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// availableName probes keys until one is free, suffixing like the local
// backend so the two stay contract-identical on collisions.
func (s *S3) availableName(ctx context.Context, userID, channelID, filename string) (string, error) {
	ext := ""
	stem := filename
	if idx := strings.LastIndex(filename, "."); idx > 0 {
		ext = filename[idx:]
		stem = filename[:idx]
	}
	name := filename
	for i := 0; ; i++ {
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		if i > 1000 {
			return "", fmt.Errorf("no available name for %q", filename)
		}
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(joinPath(userID, channelID, name)),
		})
		if err != nil {
			var notFound *s3types.NotFound
			if errors.As(err, &notFound) {
				return name, nil
			}
			return "", fmt.Errorf("probe object: %w", err)
		}
	}
}

var (
	_ Adapter = (*S3)(nil)
	_ Adapter = (*Local)(nil)
)
