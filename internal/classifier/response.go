package classifier

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/local/defectscan/internal/scan"
)

// Vocabulary names the response fields that carry the verdict.
type Vocabulary struct {
	StartFound    string
	StartPage     string
	EndLastPage   string
	EndDefinitely string
	Reason        string
}

func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		StartFound:    "found",
		StartPage:     "start_page",
		EndLastPage:   "last_defect_page",
		EndDefinitely: "definitely_ended",
		Reason:        "reason",
	}
}

func (v Vocabulary) withDefaults() Vocabulary {
	d := DefaultVocabulary()
	if v.StartFound == "" {
		v.StartFound = d.StartFound
	}
	if v.StartPage == "" {
		v.StartPage = d.StartPage
	}
	if v.EndLastPage == "" {
		v.EndLastPage = d.EndLastPage
	}
	if v.EndDefinitely == "" {
		v.EndDefinitely = d.EndDefinitely
	}
	if v.Reason == "" {
		v.Reason = d.Reason
	}
	return v
}

var (
	fenceOpen  = regexp.MustCompile("(?i)^```(?:json)?\\s*")
	fenceClose = regexp.MustCompile("\\s*```\\s*$")
)

// extractObject finds the verdict object in a prediction response: the
// structured "json" field first, then JSON embedded in a text field.
func extractObject(body []byte) (map[string]any, bool) {
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, false
	}
	if obj, ok := envelope["json"].(map[string]any); ok {
		return obj, true
	}
	for _, key := range []string{"text", "answer", "result"} {
		s, ok := envelope[key].(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		raw := fenceOpen.ReplaceAllString(strings.TrimSpace(s), "")
		raw = fenceClose.ReplaceAllString(raw, "")
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	}
	return false
}

// decodeVerdict maps a response object onto a verdict for req.
func (v Vocabulary) decodeVerdict(req scan.Request, obj map[string]any) (scan.Verdict, error) {
	reason, _ := obj[v.Reason].(string)

	switch req.Phase {
	case scan.PhaseSeekingStart:
		foundRaw, hasFound := obj[v.StartFound]
		pageRaw, hasPage := obj[v.StartPage]
		if !hasFound && !hasPage {
			return scan.Verdict{}, scan.Malformed("response has neither %q nor %q", v.StartFound, v.StartPage)
		}
		page, ok := asInt(pageRaw)
		if !asBool(foundRaw) || (hasPage && ok && page <= 0) {
			return scan.Verdict{Reason: reason}, nil
		}
		if !ok {
			return scan.Verdict{}, scan.Malformed("found without a usable %q: %v", v.StartPage, pageRaw)
		}
		return scan.Verdict{Found: true, Page: page, Reason: reason}, nil

	case scan.PhaseSeekingEnd:
		endedRaw, hasEnded := obj[v.EndDefinitely]
		lastRaw, hasLast := obj[v.EndLastPage]
		if !hasEnded && !hasLast {
			return scan.Verdict{}, scan.Malformed("response has neither %q nor %q", v.EndDefinitely, v.EndLastPage)
		}
		if !asBool(endedRaw) {
			return scan.Verdict{Reason: reason}, nil
		}
		last, ok := asInt(lastRaw)
		if !ok || last <= 0 {
			// ended before this batch
			last = req.Pages[0].Number - 1
			if req.Anchor != nil && last < req.Anchor.Number {
				last = req.Anchor.Number
			}
		}
		return scan.Verdict{Found: true, Page: last, Reason: reason}, nil
	}
	return scan.Verdict{}, &ConfigError{Message: "unsupported phase " + string(req.Phase)}
}
