package corpus

import (
	"errors"
	"reflect"
	"testing"
)

func seq(n int) []Page {
	ps := make([]Page, n)
	for i := range ps {
		ps[i] = Page{Number: i + 1, Text: "p"}
	}
	return ps
}

func TestParse(t *testing.T) {
	text := "=== Страница 1 ===\nTitle page\n\n=== Страница 2 ===\n\n=== Page 3 ===\nDefects:\n1. crack\n"
	c, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("expected 3 pages, got %d", c.Len())
	}
	p, ok := c.Page(3)
	if !ok || p.Text != "Defects:\n1. crack" {
		t.Errorf("page 3 = %q, %v", p.Text, ok)
	}
	if p2, _ := c.Page(2); p2.Text != "" {
		t.Errorf("empty page should be kept with empty text, got %q", p2.Text)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"no markers":     "just some text",
		"preamble":       "header\n=== Page 1 ===\nx",
		"bad number":     "=== Page 1 ===\na\n=== Page two ===\nb",
		"non increasing": "=== Page 2 ===\na\n=== Page 2 ===\nb",
		"zero":           "=== Page 0 ===\na",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(in)
			var fe *InputFormatError
			if !errors.As(err, &fe) {
				t.Fatalf("expected InputFormatError, got %v", err)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	pages := []Page{{Number: 1, Text: "a"}, {Number: 2, Text: "b\nc"}}
	c, err := Parse(Format(pages))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(c.Pages(), pages) {
		t.Errorf("got %+v", c.Pages())
	}
}

func TestBatch(t *testing.T) {
	c, _ := New(seq(12))
	if got := Numbers(c.Batch(1, 5)); !reflect.DeepEqual(got, []int{1, 2, 3, 4, 5}) {
		t.Errorf("first batch = %v", got)
	}
	if got := Numbers(c.Batch(11, 5)); !reflect.DeepEqual(got, []int{11, 12}) {
		t.Errorf("tail batch = %v", got)
	}
	if got := c.Batch(13, 5); len(got) != 0 {
		t.Errorf("expected empty batch past end, got %v", got)
	}
}

func TestBatchStopsAtGap(t *testing.T) {
	c, _ := New([]Page{{Number: 1}, {Number: 2}, {Number: 5}, {Number: 6}})
	if got := Numbers(c.Batch(1, 5)); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Errorf("batch across gap = %v", got)
	}
	if got := Numbers(c.Batch(3, 5)); !reflect.DeepEqual(got, []int{5, 6}) {
		t.Errorf("batch after gap = %v", got)
	}
}

func TestHeadFloorRange(t *testing.T) {
	c, _ := New([]Page{{Number: 1}, {Number: 2}, {Number: 4}, {Number: 5}, {Number: 6}})
	h := c.Head(3)
	if h.Len() != 3 || h.Last() != 4 || h.Has(5) {
		t.Errorf("Head(3): len=%d last=%d", h.Len(), h.Last())
	}
	if n, ok := c.Floor(3); !ok || n != 2 {
		t.Errorf("Floor(3) = %d, %v", n, ok)
	}
	if _, ok := c.Floor(0); ok {
		t.Error("Floor(0) should not exist")
	}
	if got := c.Range(2, 5); !reflect.DeepEqual(got, []int{2, 4, 5}) {
		t.Errorf("Range(2,5) = %v", got)
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	if _, err := New([]Page{{Number: 1}, {Number: 1}}); err == nil {
		t.Fatal("expected error for duplicate pages")
	}
}
