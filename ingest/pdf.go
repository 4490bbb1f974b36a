package ingest

import (
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// MaxReportPages bounds accepted uploads. A facility monthly report runs a
// handful of pages; a hundred-page document is the wrong file.
const MaxReportPages = 30

// ValidatePDF checks that path is a structurally sound PDF within the page
// bounds of a plausible report, and returns its page count.
func ValidatePDF(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("ingest: open pdf: %w", err)
	}
	defer f.Close()

	ctx, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		return 0, fmt.Errorf("ingest: invalid pdf: %w", err)
	}

	if ctx.PageCount < 1 {
		return 0, fmt.Errorf("ingest: pdf has no pages")
	}
	if ctx.PageCount > MaxReportPages {
		return ctx.PageCount, fmt.Errorf("ingest: pdf has %d pages, limit %d", ctx.PageCount, MaxReportPages)
	}
	return ctx.PageCount, nil
}
