package corpus

import (
	"fmt"
	"sort"
)

// Page is one OCR'd page. Number is 1-based and matches the source PDF page.
type Page struct {
	Number int    `json:"page_number"`
	Text   string `json:"text"`
}

// Corpus is an ordered, read-only sequence of pages unique by number.
type Corpus struct {
	pages []Page
	index map[int]int
}

// New builds a corpus from pages. Pages are sorted by number; duplicates and
// non-positive numbers are rejected.
func New(pages []Page) (*Corpus, error) {
	ps := make([]Page, len(pages))
	copy(ps, pages)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Number < ps[j].Number })

	idx := make(map[int]int, len(ps))
	for i, p := range ps {
		if p.Number < 1 {
			return nil, &InputFormatError{Reason: fmt.Sprintf("page number %d is not positive", p.Number)}
		}
		if _, dup := idx[p.Number]; dup {
			return nil, &InputFormatError{Reason: fmt.Sprintf("duplicate page %d", p.Number)}
		}
		idx[p.Number] = i
	}
	return &Corpus{pages: ps, index: idx}, nil
}

// Len returns the number of pages.
func (c *Corpus) Len() int {
	if c == nil {
		return 0
	}
	return len(c.pages)
}

// Pages returns a copy of all pages in order.
func (c *Corpus) Pages() []Page {
	out := make([]Page, len(c.pages))
	copy(out, c.pages)
	return out
}

// Page looks a page up by number.
func (c *Corpus) Page(n int) (Page, bool) {
	i, ok := c.index[n]
	if !ok {
		return Page{}, false
	}
	return c.pages[i], true
}

// Has reports whether page n exists.
func (c *Corpus) Has(n int) bool {
	_, ok := c.index[n]
	return ok
}

// First and Last return the boundary page numbers, 0 when empty.
func (c *Corpus) First() int {
	if c.Len() == 0 {
		return 0
	}
	return c.pages[0].Number
}

func (c *Corpus) Last() int {
	if c.Len() == 0 {
		return 0
	}
	return c.pages[len(c.pages)-1].Number
}

// Head returns a corpus restricted to the first n pages. n <= 0 means no limit.
func (c *Corpus) Head(n int) *Corpus {
	if n <= 0 || n >= c.Len() {
		return c
	}
	ps := c.pages[:n]
	idx := make(map[int]int, n)
	for i, p := range ps {
		idx[p.Number] = i
	}
	return &Corpus{pages: ps, index: idx}
}

// Floor returns the greatest page number <= n, or false if none exists.
func (c *Corpus) Floor(n int) (int, bool) {
	i := sort.Search(len(c.pages), func(i int) bool { return c.pages[i].Number > n })
	if i == 0 {
		return 0, false
	}
	return c.pages[i-1].Number, true
}

// Batch returns up to size contiguous pages starting at the first page whose
// number is >= cursor. The batch stops early at a numbering gap. An empty
// result means nothing is left at or after cursor.
func (c *Corpus) Batch(cursor, size int) []Page {
	if size < 1 {
		size = 1
	}
	i := sort.Search(len(c.pages), func(i int) bool { return c.pages[i].Number >= cursor })
	if i >= len(c.pages) {
		return nil
	}
	end := i + 1
	for end < len(c.pages) && end-i < size && c.pages[end].Number == c.pages[end-1].Number+1 {
		end++
	}
	out := make([]Page, end-i)
	copy(out, c.pages[i:end])
	return out
}

// Range returns the page numbers in [from, to] that exist in the corpus.
func (c *Corpus) Range(from, to int) []int {
	var out []int
	for _, p := range c.pages {
		if p.Number < from {
			continue
		}
		if p.Number > to {
			break
		}
		out = append(out, p.Number)
	}
	return out
}

// Numbers extracts the page numbers of pages.
func Numbers(pages []Page) []int {
	out := make([]int, len(pages))
	for i, p := range pages {
		out[i] = p.Number
	}
	return out
}
