package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/local/defectscan/internal/artifact"
	"github.com/local/defectscan/internal/pdfdoc"
)

var (
	renderOut     string
	renderDPI     int
	renderGray    bool
	renderQuality int
)

var renderCmd = &cobra.Command{
	Use:   "render <pdf> <record.json>",
	Short: "Render the relevant pages of a saved record to JPEG",
	Long: `Render reads a page filter record and renders exactly its relevant pages
from the PDF, ready for the vision cleanup stage.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		var rec artifact.Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", args[1], err)
		}
		if len(rec.RelevantPages) == 0 {
			return errors.New("record has no relevant pages")
		}

		opts := cfg.Output.Render
		if renderDPI > 0 {
			opts.DPI = renderDPI
		}
		if renderQuality > 0 {
			opts.Quality = renderQuality
		}
		if renderGray {
			opts.Color = pdfdoc.ColorGray
		}
		rendered, err := pdfdoc.RenderPages(args[0], rec.RelevantPages, renderOut, opts)
		for _, r := range rendered {
			fmt.Fprintf(cmd.OutOrStdout(), "page %d -> %s (%dx%d)\n", r.Page, r.Path, r.Width, r.Height)
		}
		return err
	},
}

func init() {
	renderCmd.Flags().StringVar(&renderOut, "out", "renders", "output directory")
	renderCmd.Flags().IntVar(&renderDPI, "dpi", 0, "render resolution (default: RENDER_DPI)")
	renderCmd.Flags().IntVar(&renderQuality, "quality", 0, "JPEG quality (default: RENDER_JPEG_QUALITY)")
	renderCmd.Flags().BoolVar(&renderGray, "gray", false, "render in grayscale")
}
