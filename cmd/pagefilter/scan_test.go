package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/spf13/pflag"

	"github.com/local/defectscan/internal/artifact"
)

const sixPages = "=== Page 1 ===\nCover\n=== Page 2 ===\nContents\n=== Page 3 ===\nSummary\n" +
	"=== Page 4 ===\nPhotos\n=== Page 5 ===\nPhotos\n=== Page 6 ===\nSignatures\n"

// runScan executes the scan command against a classifier that never finds
// the defect list and returns the printed record and the request count.
func runScan(t *testing.T, args ...string) (artifact.Record, int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"json":{"found":false}}`))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	t.Setenv("FLOWISE_API_URL_SEARCH_START", srv.URL)
	t.Setenv("FLOWISE_API_URL_SEARCH_END", srv.URL)
	t.Setenv("FLOWISE_BATCH_SIZE", "4")
	t.Setenv("SCAN_MAX_PAGES", "0")
	t.Setenv("LOG_FILE", filepath.Join(dir, "cli.log"))

	ocr := filepath.Join(dir, "report_752.txt")
	if err := os.WriteFile(ocr, []byte(sixPages), 0o644); err != nil {
		t.Fatal(err)
	}

	scanCmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{
		"scan", ocr,
		"--env", filepath.Join(dir, "missing.env"),
		"--output-dir", filepath.Join(dir, "results"),
		"--json",
	}, args...))
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	var rec artifact.Record
	if err := json.Unmarshal(out.Bytes(), &rec); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	return rec, calls.Load()
}

func startBatches(rec artifact.Record) [][]int {
	var out [][]int
	for _, b := range rec.DebugSearchStart {
		out = append(out, b.Pages)
	}
	return out
}

func TestScanUsesEnvironmentPolicy(t *testing.T) {
	rec, calls := runScan(t)
	if rec.FSMFinalState != artifact.StateNoRange || rec.TotalPages != 6 {
		t.Fatalf("record = %+v", rec)
	}
	if want := [][]int{{1, 2, 3, 4}, {5, 6}}; !reflect.DeepEqual(startBatches(rec), want) || calls != 2 {
		t.Errorf("batches = %v calls = %d, want %v", startBatches(rec), calls, want)
	}
}

func TestScanFlagsOverridePolicy(t *testing.T) {
	rec, calls := runScan(t, "--batch-size", "2", "--max-pages", "3")
	if rec.FSMFinalState != artifact.StateNoRange {
		t.Fatalf("state = %s", rec.FSMFinalState)
	}
	if want := [][]int{{1, 2}, {3}}; !reflect.DeepEqual(startBatches(rec), want) || calls != 2 {
		t.Errorf("batches = %v calls = %d, want %v", startBatches(rec), calls, want)
	}
	if len(rec.DebugSearchEnd) != 0 || rec.StartPage != nil {
		t.Errorf("no end search expected, got %+v", rec)
	}
}
