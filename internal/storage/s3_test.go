package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// fakeS3 is a path-style, single-bucket object store.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		b, _ := io.ReadAll(r.Body)
		f.objects[key] = b
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		fmt.Fprintf(&sb, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>", f.bucket, prefix, len(keys))
		for _, k := range keys {
			fmt.Fprintf(&sb, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(f.objects[k]))
		}
		sb.WriteString("</ListBucketResult>")
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(sb.String()))
	case r.Method == http.MethodGet:
		b, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("x-amz-meta-name", "report.txt")
		w.Header().Set("Content-Length", fmt.Sprint(len(b)))
		_, _ = w.Write(b)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeClient(t *testing.T) (*S3Client, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "reports", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := NewS3Client(context.Background(), Config{
		Bucket:       "reports",
		Region:       "us-east-1",
		Endpoint:     srv.URL,
		AccessKey:    "test",
		SecretKey:    "test",
		UsePathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewS3Client: %v", err)
	}
	return c, fake
}

func TestParseURL(t *testing.T) {
	b, k, err := ParseURL("s3://reports/ocr/a.txt")
	if err != nil || b != "reports" || k != "ocr/a.txt" {
		t.Fatalf("ParseURL = %q %q %v", b, k, err)
	}
	for _, bad := range []string{"http://x/y", "s3://bucket", "s3:///key"} {
		if _, _, err := ParseURL(bad); err == nil {
			t.Errorf("ParseURL(%q) should fail", bad)
		}
	}
}

func TestUploadDownload(t *testing.T) {
	c, fake := newFakeClient(t)
	ctx := context.Background()

	if err := c.UploadFile(ctx, "results/a_v1.json", []byte(`{"start_page":3}`), &FileMetadata{ContentType: "application/json"}); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if got := string(fake.objects["results/a_v1.json"]); got != `{"start_page":3}` {
		t.Fatalf("stored = %q", got)
	}

	data, meta, err := c.DownloadFile(ctx, "", "results/a_v1.json")
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if string(data) != `{"start_page":3}` {
		t.Errorf("data = %q", data)
	}
	if meta.OriginalName != "report.txt" {
		t.Errorf("original name = %q", meta.OriginalName)
	}

	if _, _, err := c.DownloadFile(ctx, "", "missing"); err == nil {
		t.Error("expected error for a missing key")
	}
}

func TestListNextVersion(t *testing.T) {
	c, fake := newFakeClient(t)
	ctx := context.Background()

	n, err := c.ListNextVersion(ctx, "results/a")
	if err != nil || n != 1 {
		t.Fatalf("empty bucket: %d, %v", n, err)
	}
	fake.objects["results/a_v1.json"] = []byte("{}")
	fake.objects["results/a_v3.json"] = []byte("{}")
	fake.objects["results/b_v9.json"] = []byte("{}")
	n, err = c.ListNextVersion(ctx, "results/a")
	if err != nil || n != 4 {
		t.Fatalf("next version = %d, %v", n, err)
	}
}

func TestPing(t *testing.T) {
	c, _ := newFakeClient(t)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
