// Package export renders course outlines as PDF documents.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/ashureev/coursechat/internal/domain"
)

// ErrInvalidCourse is returned for a nil outline or one without modules.
var ErrInvalidCourse = errors.New("invalid course data provided")

// Exporter renders an outline to document bytes.
type Exporter interface {
	Export(course *domain.CourseOutline) ([]byte, error)
}

// Validate reports whether course can be rendered.
func Validate(course *domain.CourseOutline) error {
	if course == nil || course.Modules == nil {
		return ErrInvalidCourse
	}
	return nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9]`)

const maxFilenameTitle = 50

// Filename returns the download name for an outline titled title.
func Filename(title string) string {
	clean := unsafeFilenameChars.ReplaceAllString(title, "_")
	if len(clean) > maxFilenameTitle {
		clean = clean[:maxFilenameTitle]
	}
	return "Course_Outline_" + clean + ".pdf"
}

// PDFRenderer lays out outlines on A4 pages.
type PDFRenderer struct {
	now func() time.Time
}

// NewPDFRenderer creates a renderer stamping documents with the current date.
func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{now: time.Now}
}

// Export renders course. The layout is title, generation date, then each
// module with its lessons and resources.
func (r *PDFRenderer) Export(course *domain.CourseOutline) ([]byte, error) {
	if err := Validate(course); err != nil {
		return nil, err
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(titleOrDefault(course.Title), true)
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 20)
	pdf.MultiCell(0, 10, tr(titleOrDefault(course.Title)), "", "C", false)
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "", 12)
	pdf.CellFormat(0, 8, "Generated on: "+r.now().Format("1/2/2006"), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	for _, m := range course.Modules {
		pdf.SetTextColor(0x1e, 0x40, 0xaf)
		pdf.SetFont("Helvetica", "BU", 16)
		pdf.MultiCell(0, 8, tr(m.Title), "", "L", false)
		pdf.Ln(2)

		pdf.SetTextColor(0, 0, 0)
		pdf.SetFont("Helvetica", "", 12)
		for _, lesson := range m.Lessons {
			pdf.MultiCell(0, 6, tr("- "+lesson), "", "L", false)
		}

		if len(m.Resources) > 0 {
			pdf.Ln(2)
			pdf.SetTextColor(0x05, 0x96, 0x69)
			pdf.SetFont("Helvetica", "U", 10)
			pdf.CellFormat(0, 6, "Resources:", "", 1, "L", false, 0, "")
			pdf.SetFont("Helvetica", "", 10)
			for _, res := range m.Resources {
				label := res.Title
				if strings.TrimSpace(label) == "" {
					label = "Link"
				}
				pdf.SetTextColor(0, 0, 0)
				pdf.MultiCell(0, 5, tr(fmt.Sprintf("[%s]: %s", res.Type, label)), "", "L", false)
				pdf.SetTextColor(0x3b, 0x82, 0xf6)
				pdf.WriteLinkString(5, tr("Link: "+res.Link), res.Link)
				pdf.Ln(5)
			}
		}
		pdf.Ln(6)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func titleOrDefault(title string) string {
	if strings.TrimSpace(title) == "" {
		return "Course Outline"
	}
	return title
}
