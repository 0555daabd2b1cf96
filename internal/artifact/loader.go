// Package artifact resolves document references into a page corpus and
// persists the filter record of a finished scan.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/local/defectscan/internal/corpus"
	"github.com/local/defectscan/internal/pdfdoc"
	"github.com/local/defectscan/internal/storage"
)

// Kind is the detected artifact type.
type Kind string

const (
	KindOCRText Kind = "ocr_text"
	KindPDF     Kind = "pdf"
)

// ObjectStore is the subset of *storage.S3Client the loader needs.
type ObjectStore interface {
	DownloadFile(ctx context.Context, bucket, key string) ([]byte, *storage.FileMetadata, error)
}

// Loader fetches artifacts from the filesystem, HTTP or S3.
type Loader struct {
	HTTP *http.Client
	S3   ObjectStore
	// MaxBytes bounds downloads; 0 means 256 MiB.
	MaxBytes int64
}

// Fetch returns the raw bytes behind ref. Supported forms: plain paths,
// file://path, http(s)://url and s3://bucket/key.
func (l *Loader) Fetch(ctx context.Context, ref string) ([]byte, error) {
	// optional #page fragment
	if i := strings.Index(ref, "#"); i >= 0 {
		ref = ref[:i]
	}
	limit := l.MaxBytes
	if limit <= 0 {
		limit = 256 << 20
	}

	switch {
	case strings.HasPrefix(ref, "s3://"):
		if l.S3 == nil {
			return nil, fmt.Errorf("s3 reference %q but no S3 client configured", ref)
		}
		bucket, key, err := storage.ParseURL(ref)
		if err != nil {
			return nil, err
		}
		data, _, err := l.S3.DownloadFile(ctx, bucket, key)
		return data, err
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return l.fetchHTTP(ctx, ref, limit)
	default:
		path := strings.TrimPrefix(ref, "file://")
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, limit))
	}
}

func (l *Loader) fetchHTTP(ctx context.Context, url string, limit int64) ([]byte, error) {
	hc := l.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: http %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// Detect classifies data by magic bytes.
func Detect(data []byte) (Kind, error) {
	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/pdf"):
		return KindPDF, nil
	case strings.HasPrefix(mt.String(), "text/"):
		return KindOCRText, nil
	}
	return "", fmt.Errorf("unsupported artifact type %s", mt.String())
}

// LoadCorpus fetches ref and builds its corpus: OCR text is parsed by page
// markers, a PDF falls back to its text layer.
func (l *Loader) LoadCorpus(ctx context.Context, ref string) (*corpus.Corpus, Kind, error) {
	data, err := l.Fetch(ctx, ref)
	if err != nil {
		return nil, "", fmt.Errorf("load %s: %w", ref, err)
	}
	kind, err := Detect(data)
	if err != nil {
		return nil, "", &corpus.InputFormatError{Source: ref, Reason: err.Error()}
	}

	var c *corpus.Corpus
	switch kind {
	case KindPDF:
		c, err = pdfdoc.CorpusFromBytes(data)
	default:
		c, err = corpus.Parse(string(data))
	}
	if err != nil {
		var ife *corpus.InputFormatError
		if errors.As(err, &ife) && ife.Source == "" {
			ife.Source = ref
		}
		return nil, kind, err
	}
	log.Info().Str("source", ref).Str("kind", string(kind)).Int("pages", c.Len()).Msg("artifact loaded")
	return c, kind, nil
}

// Stem is the file name of ref without directory and extension.
func Stem(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	base := filepath.Base(strings.TrimPrefix(ref, "file://"))
	if base == "." || base == "/" {
		return "document"
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
