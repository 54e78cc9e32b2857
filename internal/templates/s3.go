package templates

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"Mailer/internal/apperrors"
	"Mailer/internal/config"
	"Mailer/internal/models"
)

var errNoSuchKey = errors.New("no such key")

type objectReader interface {
	ReadObject(ctx context.Context, key string) ([]byte, error)
}

// S3Source reads descriptors from an S3 bucket using the same layout as
// DirSource, rooted at the configured prefix.
type S3Source struct {
	objects objectReader
	prefix  string
	log     *zap.Logger
}

func NewS3Source(cfg config.S3Config, logger *zap.Logger) (*S3Source, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, &apperrors.ConfigError{Field: "s3.url", Reason: fmt.Sprintf("invalid endpoint %q", cfg.URL)}
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Username, cfg.Password, ""),
		Secure: u.Scheme == "https",
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	return &S3Source{
		objects: &minioBucket{client: client, bucket: cfg.Bucket},
		prefix:  strings.Trim(cfg.Prefix, "/"),
		log:     logger,
	}, nil
}

func (s *S3Source) Resolve(ctx context.Context, name, mode string) (*models.TemplateDescriptor, error) {
	if err := checkName(name, mode); err != nil {
		return nil, err
	}

	for _, location := range candidates(name) {
		data, err := s.objects.ReadObject(ctx, s.key(location))
		if errors.Is(err, errNoSuchKey) {
			continue
		}
		if err != nil {
			return nil, err
		}

		d, err := decodeDescriptor(name, location, data, func(rel string) ([]byte, error) {
			return s.objects.ReadObject(ctx, s.key(rel))
		})
		if err != nil {
			return nil, err
		}

		if !d.SupportsMode(mode) {
			return nil, &apperrors.TemplateNotFoundError{Name: name, Mode: mode}
		}

		s.log.Debug("template loaded from s3",
			zap.String("template", name),
			zap.String("key", s.key(location)),
		)
		return d, nil
	}

	return nil, &apperrors.TemplateNotFoundError{Name: name, Mode: mode}
}

func (s *S3Source) key(rel string) string {
	if s.prefix == "" {
		return rel
	}
	return path.Join(s.prefix, rel)
}

type minioBucket struct {
	client *minio.Client
	bucket string
}

func (b *minioBucket) ReadObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3Error(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyS3Error(key, err)
	}
	return data, nil
}

func classifyS3Error(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, errNoSuchKey)
	}
	return fmt.Errorf("failed to read s3 object %s: %w", key, err)
}
