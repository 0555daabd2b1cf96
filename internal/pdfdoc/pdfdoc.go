// Package pdfdoc reads and renders the source PDF of a report: page count,
// a text-layer corpus when no OCR artifact exists, and JPEG renders of the
// relevant pages for the vision cleanup stage.
package pdfdoc

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"

	"github.com/local/defectscan/internal/corpus"
)

// PageCount returns the number of pages of the PDF at path.
func PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("pdf page count failed: %w", err)
	}
	return n, nil
}

// Corpus builds a corpus from the PDF text layer.
func Corpus(path string) (*corpus.Corpus, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()
	return fromDocument(doc)
}

// CorpusFromBytes is Corpus for an in-memory PDF.
func CorpusFromBytes(data []byte) (*corpus.Corpus, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()
	return fromDocument(doc)
}

// MinCharsPerPage is the average visible character count below which a PDF
// is treated as a scan without a usable text layer.
const MinCharsPerPage = 4

var whitespace = regexp.MustCompile(`\s+`)

func visibleChars(s string) int { return len([]rune(whitespace.ReplaceAllString(s, ""))) }

func fromDocument(doc *fitz.Document) (*corpus.Corpus, error) {
	pages := make([]corpus.Page, 0, doc.NumPage())
	chars := 0
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			log.Warn().Err(err).Int("page", i+1).Msg("failed to extract text from page")
			text = ""
		}
		text = cleanText(text, i+1)
		chars += visibleChars(text)
		pages = append(pages, corpus.Page{Number: i + 1, Text: text})
	}
	if len(pages) == 0 {
		return nil, &corpus.InputFormatError{Reason: "pdf has no pages"}
	}
	if chars < MinCharsPerPage*len(pages) {
		return nil, &corpus.InputFormatError{
			Reason: fmt.Sprintf("pdf has no usable text layer (%d chars over %d pages); an OCR artifact is required", chars, len(pages)),
		}
	}
	log.Debug().Int("pages", len(pages)).Int("chars", chars).Msg("built corpus from pdf text layer")
	return corpus.New(pages)
}

// cleanText drops blank lines and bare page numbers.
func cleanText(text string, pageNum int) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isPageNumber(trimmed, pageNum) {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "\n")
}

func isPageNumber(line string, pageNum int) bool {
	n := strconv.Itoa(pageNum)
	for _, p := range []string{n, "- " + n + " -", "[" + n + "]", "Page " + n, "Страница " + n} {
		if strings.EqualFold(line, p) {
			return true
		}
	}
	return false
}

// ColorMode defines the color mode for rendering
type ColorMode string

const (
	ColorRGB  ColorMode = "rgb"
	ColorGray ColorMode = "gray"
)

// RenderOptions controls page rendering.
type RenderOptions struct {
	DPI     int
	Quality int
	Color   ColorMode
}

func (o RenderOptions) withDefaults() RenderOptions {
	if o.DPI <= 0 {
		o.DPI = 150
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = 85
	}
	if o.Color == "" {
		o.Color = ColorRGB
	}
	return o
}

// RenderedPage is one written image.
type RenderedPage struct {
	Page   int    `json:"page"`
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Bytes  int    `json:"bytes"`
}

// RenderPages writes page_<n>.jpg into outDir for each page number.
func RenderPages(pdfPath string, pages []int, outDir string, opts RenderOptions) ([]RenderedPage, error) {
	opts = opts.withDefaults()
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	out := make([]RenderedPage, 0, len(pages))
	for _, n := range pages {
		if n < 1 || n > doc.NumPage() {
			return out, fmt.Errorf("page %d out of range (document has %d pages)", n, doc.NumPage())
		}
		data, w, h, err := renderPage(doc, n, opts)
		if err != nil {
			return out, err
		}
		p := filepath.Join(outDir, fmt.Sprintf("page_%d.jpg", n))
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return out, err
		}
		out = append(out, RenderedPage{Page: n, Path: p, Width: w, Height: h, Bytes: len(data)})
	}
	log.Info().Int("pages", len(out)).Str("dir", outDir).Int("dpi", opts.DPI).Msg("rendered relevant pages")
	return out, nil
}

func renderPage(doc *fitz.Document, pageNum int, opts RenderOptions) ([]byte, int, int, error) {
	img, err := doc.ImageDPI(pageNum-1, float64(opts.DPI))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to render page %d: %w", pageNum, err)
	}
	bounds := img.Bounds()

	var final image.Image = img
	if opts.Color == ColorGray {
		gray := image.NewGray(bounds)
		draw.Draw(gray, bounds, img, image.Point{}, draw.Src)
		final = gray
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, final, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), bounds.Dx(), bounds.Dy(), nil
}
