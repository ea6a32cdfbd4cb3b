package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
)

type fakeObjects struct {
	bucketExists bool
	madeBucket   string
	objects      map[string]string
	contentTypes map[string]string
	putErr       error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string]string{}, contentTypes: map[string]string{}}
}

func (f *fakeObjects) BucketExists(context.Context, string) (bool, error) {
	return f.bucketExists, nil
}

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.madeBucket = bucket
	f.bucketExists = true
	return nil
}

func (f *fakeObjects) PutObject(_ context.Context, _, key string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	body, _ := io.ReadAll(reader)
	f.objects[key] = string(body)
	f.contentTypes[key] = opts.ContentType
	return minio.UploadInfo{Key: key}, nil
}

func (f *fakeObjects) RemoveObject(_ context.Context, _, key string, _ minio.RemoveObjectOptions) error {
	delete(f.objects, key)
	return nil
}

func newTestStore(t *testing.T, api *fakeObjects, maxBytes int64) *MinioStore {
	t.Helper()
	s := &MinioStore{api: api, bucket: "attachments", baseURL: "https://cdn.example.com/attachments", maxBytes: maxBytes}
	if err := s.ensureBucket(context.Background()); err != nil {
		t.Fatalf("ensureBucket: %v", err)
	}
	return s
}

func TestEnsureBucketCreatesMissingBucket(t *testing.T) {
	api := newFakeObjects()
	newTestStore(t, api, 0)
	if api.madeBucket != "attachments" {
		t.Fatalf("madeBucket = %q", api.madeBucket)
	}
}

func TestPutAndDeleteRoundTrip(t *testing.T) {
	api := newFakeObjects()
	s := newTestStore(t, api, 1024)
	ctx := context.Background()

	url, err := s.Put(ctx, Upload{ListID: "lst_1", ObjectID: "att_1", Filename: "receipt scan.png", ContentType: "image/png", Content: []byte("png")})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "https://cdn.example.com/attachments/lists/lst_1/att_1-receipt_scan.png" {
		t.Fatalf("url = %q", url)
	}
	key := "lists/lst_1/att_1-receipt_scan.png"
	if api.objects[key] != "png" || api.contentTypes[key] != "image/png" {
		t.Fatalf("stored object mismatch: %v %v", api.objects, api.contentTypes)
	}

	if err := s.DeleteURL(ctx, url, "lst_2"); !errors.Is(err, ErrOtherList) {
		t.Fatalf("DeleteURL from another list: err = %v, want ErrOtherList", err)
	}
	if _, ok := api.objects[key]; !ok {
		t.Fatal("object removed through another list")
	}
	if err := s.DeleteURL(ctx, url, "lst_1"); err != nil {
		t.Fatalf("DeleteURL: %v", err)
	}
	if _, ok := api.objects[key]; ok {
		t.Fatal("object still present after delete")
	}
}

func TestPutDefaultsContentType(t *testing.T) {
	api := newFakeObjects()
	s := newTestStore(t, api, 0)

	if _, err := s.Put(context.Background(), Upload{ListID: "l", ObjectID: "o", Filename: "a.bin", Content: []byte{1}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got := api.contentTypes["lists/l/o-a.bin"]; got != "application/octet-stream" {
		t.Fatalf("content type = %q", got)
	}
}

func TestPutRejectsEmptyAndOversized(t *testing.T) {
	s := newTestStore(t, newFakeObjects(), 4)
	ctx := context.Background()

	if _, err := s.Put(ctx, Upload{ListID: "l", ObjectID: "o", Filename: "a"}); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	_, err := s.Put(ctx, Upload{ListID: "l", ObjectID: "o", Filename: "a", Content: []byte("too big")})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if !strings.Contains(err.Error(), "4 B") {
		t.Fatalf("error should name the limit: %v", err)
	}
}

func TestPutWrapsBackendFailure(t *testing.T) {
	api := newFakeObjects()
	api.putErr = errors.New("connection refused")
	s := newTestStore(t, api, 0)

	if _, err := s.Put(context.Background(), Upload{ListID: "l", ObjectID: "o", Filename: "a", Content: []byte("x")}); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
}

func TestKeyFromURLRejectsForeignURLs(t *testing.T) {
	s := newTestStore(t, newFakeObjects(), 0)

	cases := []string{
		"https://evil.example.com/attachments/lists/l/o-a",
		"https://cdn.example.com/attachments/",
		"https://cdn.example.com/attachments/lists/../../etc/passwd",
		"",
	}
	for _, raw := range cases {
		if _, err := s.KeyFromURL(raw); !errors.Is(err, ErrForeignURL) {
			t.Errorf("KeyFromURL(%q) err = %v, want ErrForeignURL", raw, err)
		}
	}
}

func TestCheckURLScopesToList(t *testing.T) {
	s := newTestStore(t, newFakeObjects(), 0)

	tests := []struct {
		name   string
		rawURL string
		listID string
		want   error
	}{
		{name: "own list", rawURL: "https://cdn.example.com/attachments/lists/lst_a/att_1-a.pdf", listID: "lst_a"},
		{name: "other list", rawURL: "https://cdn.example.com/attachments/lists/lst_b/att_1-a.pdf", listID: "lst_a", want: ErrOtherList},
		{name: "list id prefix", rawURL: "https://cdn.example.com/attachments/lists/lst_ab/att_1-a.pdf", listID: "lst_a", want: ErrOtherList},
		{name: "outside lists", rawURL: "https://cdn.example.com/attachments/other/att_1-a.pdf", listID: "lst_a", want: ErrOtherList},
		{name: "external", rawURL: "https://images.example.org/cat.png", listID: "lst_a", want: ErrForeignURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.CheckURL(tt.rawURL, tt.listID); !errors.Is(err, tt.want) {
				t.Fatalf("CheckURL err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"photo.jpg":           "photo.jpg",
		"my résumé (1).pdf":   "my_r_sum_1_.pdf",
		"../../etc/passwd":    "passwd",
		`C:\Users\me\x.txt`:   "x.txt",
		"...":                 "file",
		"":                    "file",
		"weird name!!.tar.gz": "weird_name_.tar.gz",
	}
	for input, want := range cases {
		if got := SanitizeFilename(input); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", input, got, want)
		}
	}
}
