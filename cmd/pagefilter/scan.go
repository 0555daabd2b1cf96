package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/local/defectscan/internal/artifact"
	"github.com/local/defectscan/internal/classifier"
	"github.com/local/defectscan/internal/dispatcher"
	"github.com/local/defectscan/internal/limiter"
	"github.com/local/defectscan/internal/queue"
	"github.com/local/defectscan/internal/storage"
)

var (
	scanPDF       string
	scanMaxPages  int
	scanBatchSize int
	scanOutDir    string
	scanRenderDir string
	scanUpload    bool
	scanJSON      bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <ocr-artifact>",
	Short: "Scan one document and write its page filter record",
	Long: `Scan reads an OCR text artifact (or a PDF with a text layer) from a path,
file://, http(s):// or s3:// reference and runs the start/end search.

Examples:
  pagefilter scan report_752.txt
  pagefilter scan s3://reports/ocr/752.txt --max-pages 40
  pagefilter scan report.txt --pdf report.pdf --render-dir renders`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		source := args[0]

		clsCfg, err := cfg.ClassifierSettings()
		if err != nil {
			return err
		}
		lim, err := limiter.New(limiter.Options{MaxInflight: cfg.Worker.MaxInflight})
		if err != nil {
			return err
		}
		cls, err := classifier.New(clsCfg, classifier.WithLimiter(lim))
		if err != nil {
			return err
		}

		loader := &artifact.Loader{}
		deps := dispatcher.Deps{Loader: loader, Classifier: cls}
		if cfg.S3.Bucket != "" || strings.HasPrefix(source, "s3://") {
			s3c, err := storage.NewS3Client(ctx, storage.Config{
				Bucket:       cfg.S3.Bucket,
				Region:       cfg.S3.Region,
				Endpoint:     cfg.S3.Endpoint,
				AccessKey:    cfg.S3.AccessKey,
				SecretKey:    cfg.S3.SecretKey,
				UsePathStyle: cfg.S3.UsePathStyle,
			})
			if err != nil {
				return fmt.Errorf("s3: %w", err)
			}
			loader.S3 = s3c
			if scanUpload || cfg.S3.Upload {
				deps.Uploader = s3c
			}
		} else if scanUpload {
			return errors.New("--upload needs S3_BUCKET")
		}

		outDir := cfg.Output.ResultDir
		if scanOutDir != "" {
			outDir = scanOutDir
		}
		renderDir := cfg.Output.RenderDir
		if scanRenderDir != "" {
			renderDir = scanRenderDir
		}
		w, err := dispatcher.New(dispatcher.Config{
			Scan:         cfg.ScanPolicy(),
			ResultDir:    outDir,
			ResultPrefix: cfg.S3.ResultPrefix,
			RenderDir:    renderDir,
			Render:       cfg.Output.Render,
		}, deps)
		if err != nil {
			return err
		}

		rec, err := w.Process(ctx, queue.ScanJob{
			JobID:     uuid.NewString(),
			Source:    source,
			PDF:       scanPDF,
			MaxPages:  scanMaxPages,
			BatchSize: scanBatchSize,
		})
		if rec.FSMFinalState != "" {
			if perr := printRecord(cmd.OutOrStdout(), rec); perr != nil {
				return perr
			}
		}
		return err
	},
}

func printRecord(out io.Writer, rec artifact.Record) error {
	if scanJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	fmt.Fprintf(out, "source:      %s\n", rec.Source)
	fmt.Fprintf(out, "state:       %s\n", rec.FSMFinalState)
	fmt.Fprintf(out, "total pages: %d\n", rec.TotalPages)
	if rec.StartPage != nil && rec.EndPage != nil {
		fmt.Fprintf(out, "range:       %d-%d (%d pages)\n", *rec.StartPage, *rec.EndPage, rec.RelevantCount)
	} else {
		fmt.Fprintln(out, "range:       none")
	}
	fmt.Fprintf(out, "calls:       %d start, %d end\n", len(rec.DebugSearchStart), len(rec.DebugSearchEnd))
	fmt.Fprintf(out, "elapsed:     %.2fs\n", rec.ElapsedSeconds)
	if rec.Error != "" {
		fmt.Fprintf(out, "error:       %s\n", rec.Error)
	}
	for _, r := range rec.Renders {
		fmt.Fprintf(out, "render:      %s\n", r)
	}
	return nil
}

func init() {
	scanCmd.Flags().StringVar(&scanPDF, "pdf", "", "source PDF; relevant pages are rendered when --render-dir is set")
	scanCmd.Flags().IntVar(&scanMaxPages, "max-pages", 0, "page ceiling (default: SCAN_MAX_PAGES, 0 = whole document)")
	scanCmd.Flags().IntVar(&scanBatchSize, "batch-size", 0, "pages per classifier call (default: FLOWISE_BATCH_SIZE)")
	scanCmd.Flags().StringVar(&scanOutDir, "output-dir", "", "directory for the JSON record (default: RESULT_DIR)")
	scanCmd.Flags().StringVar(&scanRenderDir, "render-dir", "", "directory for rendered relevant pages (default: RENDER_DIR)")
	scanCmd.Flags().BoolVar(&scanUpload, "upload", false, "upload the record to S3")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print the full record as JSON")
}
