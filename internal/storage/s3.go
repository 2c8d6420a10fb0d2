// Package storage issues direct-upload slots for Step-B images and removes
// replaced objects from S3.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/soaringjerry/intake/internal/services"
)

const (
	PresignExpiry      = 15 * time.Minute
	defaultContentType = "application/octet-stream"
)

var (
	unsafeOwner = regexp.MustCompile(`[^a-z0-9@._-]`)
	unsafeName  = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

type presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type objectDeleter interface {
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Store implements services.ObjectStore. Without a bucket it runs in mock
// mode: upload slots carry a nil URL and deletes are skipped.
type S3Store struct {
	bucket  string
	presign presigner
	client  objectDeleter
	newID   func() string
	log     *zap.Logger
}

var _ services.ObjectStore = (*S3Store)(nil)

// NewS3Store loads the default AWS configuration for region. An empty bucket
// returns a mock-mode store without touching AWS.
func NewS3Store(ctx context.Context, bucket, region string, log *zap.Logger) (*S3Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	st := &S3Store{bucket: bucket, newID: uuid.NewString, log: log.Named("storage")}
	if bucket == "" {
		st.log.Warn("S3_BUCKET not set; presigned uploads are mocked and deletes are skipped")
		return st, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	st.client = client
	st.presign = s3.NewPresignClient(client)
	return st, nil
}

func (s *S3Store) Enabled() bool { return s.bucket != "" }

// OwnerPrefix is images/{owner}/ with the owner lowercased and unsafe characters replaced.
func (s *S3Store) OwnerPrefix(owner string) string {
	owner = strings.ToLower(owner)
	if owner == "" {
		owner = "unknown"
	}
	return "images/" + unsafeOwner.ReplaceAllString(owner, "_") + "/"
}

// ObjectKey builds images/{owner}/{uuid}_{name} with unsafe characters replaced.
func (s *S3Store) ObjectKey(owner, name string) string {
	if name == "" {
		name = "file"
	}
	return fmt.Sprintf("%s%s_%s", s.OwnerPrefix(owner), s.newID(), unsafeName.ReplaceAllString(name, "_"))
}

func (s *S3Store) Presign(ctx context.Context, owner string, files []services.UploadFile) ([]services.PresignedUpload, error) {
	out := make([]services.PresignedUpload, 0, len(files))
	for _, f := range files {
		name := f.Name
		if name == "" {
			name = "upload"
		}
		ct := lo.Ternary(f.ContentType != "", f.ContentType, defaultContentType)
		slot := services.PresignedUpload{Key: s.ObjectKey(owner, name), ContentType: ct}
		if !s.Enabled() {
			slot.Mock = true
			out = append(out, slot)
			continue
		}
		req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(slot.Key),
			ContentType: aws.String(ct),
		}, s3.WithPresignExpires(PresignExpiry))
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", slot.Key, err)
		}
		slot.URL = aws.String(req.URL)
		out = append(out, slot)
	}
	return out, nil
}

func (s *S3Store) Delete(ctx context.Context, keys []string) error {
	keys = lo.Compact(lo.Uniq(keys))
	if len(keys) == 0 {
		return nil
	}
	if !s.Enabled() {
		s.log.Warn("delete requested without a bucket; skipping", zap.Strings("keys", keys))
		return nil
	}
	objs := lo.Map(keys, func(k string, _ int) types.ObjectIdentifier {
		return types.ObjectIdentifier{Key: aws.String(k)}
	})
	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: objs, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	if len(out.Errors) > 0 {
		failed := lo.Map(out.Errors, func(e types.Error, _ int) string { return aws.ToString(e.Key) })
		return fmt.Errorf("delete objects: %d failed: %s", len(failed), strings.Join(failed, ", "))
	}
	s.log.Info("deleted objects", zap.Int("count", len(keys)))
	return nil
}
