// Package blob stores chat attachments in an S3-compatible bucket.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrTooLarge   = errors.New("attachment too large")
	ErrEmpty      = errors.New("attachment is empty")
	ErrForeignURL = errors.New("url does not belong to this bucket")
	ErrOtherList  = errors.New("attachment belongs to another list")
)

// objectAPI is the subset of *minio.Client the store calls.
type objectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base URL clients fetch objects from; defaults to endpoint/bucket.
	PublicURL string
	MaxBytes  int64
}

type Upload struct {
	ListID      string
	ObjectID    string
	Filename    string
	ContentType string
	Content     []byte
}

type MinioStore struct {
	api      objectAPI
	bucket   string
	baseURL  string
	maxBytes int64
}

// NewMinioStore connects to the endpoint and creates the bucket if missing.
func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	base := strings.TrimRight(cfg.PublicURL, "/")
	if base == "" {
		base = strings.TrimRight(client.EndpointURL().String(), "/") + "/" + cfg.Bucket
	}
	s := &MinioStore{api: client, bucket: cfg.Bucket, baseURL: base, maxBytes: cfg.MaxBytes}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context) error {
	exists, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.api.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// MaxBytes is the largest accepted attachment; zero means no limit.
func (s *MinioStore) MaxBytes() int64 {
	return s.maxBytes
}

// Put stores the attachment and returns the URL clients fetch it from.
func (s *MinioStore) Put(ctx context.Context, upload Upload) (string, error) {
	size := int64(len(upload.Content))
	if size == 0 {
		return "", ErrEmpty
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return "", fmt.Errorf("%w: %s exceeds %s", ErrTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(s.maxBytes)))
	}

	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := ObjectKey(upload.ListID, upload.ObjectID, upload.Filename)
	if _, err := s.api.PutObject(ctx, s.bucket, key, bytes.NewReader(upload.Content), size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return s.baseURL + "/" + key, nil
}

// DeleteURL removes the object rawURL points to, provided it was stored
// under listID. URLs outside the bucket yield ErrForeignURL.
func (s *MinioStore) DeleteURL(ctx context.Context, rawURL, listID string) error {
	key, err := s.keyInList(rawURL, listID)
	if err != nil {
		return err
	}
	if err := s.api.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// CheckURL reports whether rawURL may be attached to a message in listID:
// nil for one of the list's own objects, ErrForeignURL for a URL outside
// the bucket and ErrOtherList for another list's object.
func (s *MinioStore) CheckURL(rawURL, listID string) error {
	_, err := s.keyInList(rawURL, listID)
	return err
}

func (s *MinioStore) keyInList(rawURL, listID string) (string, error) {
	key, err := s.KeyFromURL(rawURL)
	if err != nil {
		return "", err
	}
	if !KeyInList(key, listID) {
		return "", ErrOtherList
	}
	return key, nil
}

// KeyFromURL maps a URL produced by Put back to its object key.
func (s *MinioStore) KeyFromURL(rawURL string) (string, error) {
	prefix := s.baseURL + "/"
	if !strings.HasPrefix(rawURL, prefix) {
		return "", ErrForeignURL
	}
	key, err := url.PathUnescape(strings.TrimPrefix(rawURL, prefix))
	if err != nil || key == "" || strings.Contains(key, "..") {
		return "", ErrForeignURL
	}
	return key, nil
}

// KeyInList reports whether key lives under lists/<listID>/.
func KeyInList(key, listID string) bool {
	if listID == "" || strings.ContainsAny(listID, "/.") {
		return false
	}
	return strings.HasPrefix(key, "lists/"+listID+"/")
}

// ObjectKey builds lists/<listID>/<objectID>-<sanitized filename>.
func ObjectKey(listID, objectID, filename string) string {
	return path.Join("lists", listID, objectID+"-"+SanitizeFilename(filename))
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename keeps the base name and replaces anything outside [A-Za-z0-9._-].
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	if len(name) > 100 {
		name = name[len(name)-100:]
	}
	return name
}
