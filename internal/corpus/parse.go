package corpus

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// InputFormatError reports OCR input that cannot be turned into a corpus.
// It is a precondition violation and is never retried.
type InputFormatError struct {
	Source string
	Reason string
}

func (e *InputFormatError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("input format: %s: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("input format: %s", e.Reason)
}

// markerRe matches the per-page delimiter written by the OCR stage, in either
// language. The label is captured loosely so that a bad number is reported
// instead of being swallowed into the previous page.
var markerRe = regexp.MustCompile(`(?m)^[ \t]*=== (?:Страница|Page) ([^=\n]*?) ===[ \t]*\r?$`)

// MarkerFor renders the delimiter line for page n.
func MarkerFor(n int) string { return fmt.Sprintf("=== Page %d ===", n) }

// Parse splits an OCR text artifact into pages. Marker numbers must be
// positive and strictly increasing. Text before the first marker must be blank.
func Parse(text string) (*Corpus, error) {
	locs := markerRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil, &InputFormatError{Reason: "no page markers found"}
	}
	if pre := strings.TrimSpace(text[:locs[0][0]]); pre != "" {
		return nil, &InputFormatError{Reason: "text before first page marker"}
	}

	pages := make([]Page, 0, len(locs))
	prev := 0
	for i, loc := range locs {
		label := strings.TrimSpace(text[loc[2]:loc[3]])
		n, err := strconv.Atoi(label)
		if err != nil {
			return nil, &InputFormatError{Reason: fmt.Sprintf("unparseable page marker %q", label)}
		}
		if n <= prev {
			return nil, &InputFormatError{Reason: fmt.Sprintf("page marker %d after %d", n, prev)}
		}
		prev = n

		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		pages = append(pages, Page{Number: n, Text: strings.TrimSpace(text[loc[1]:end])})
	}
	return New(pages)
}
