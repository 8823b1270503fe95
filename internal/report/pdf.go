package report

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// SavePDF renders the load record into a PDF document. The image digest
// is printed and also embedded as a QR code so it can be scanned into
// the maintenance logbook.
func SavePDF(rec LoadRecord, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Firmware Load Record", false)
	pdf.SetAuthor("bcloaderd", false)
	pdf.SetCreator("bcloaderd", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, "Firmware Load Record")
	addDetailsSection(pdf, rec)
	addRecordQR(pdf, rec)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addDetailsSection(pdf *gofpdf.Fpdf, rec LoadRecord) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Load Details")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: "Load Part Number", value: emptyFallback(rec.PartNumber, "-")},
		{label: "Header File", value: emptyFallback(rec.HeaderFileName, "-")},
		{label: "Image Size", value: fmt.Sprintf("%d bytes", rec.SizeBytes)},
		{label: "SHA-256", value: emptyFallback(rec.SHA256, "-")},
		{label: "Outcome", value: string(rec.Outcome)},
		{label: "Protocol Anomalies", value: strconv.Itoa(rec.FailureCount)},
		{label: "Started", value: timeLabel(rec.StartedAt)},
		{label: "Finished", value: timeLabel(rec.FinishedAt)},
	}
	if rec.Detail != "" {
		items = append(items, struct{ label, value string }{"Detail", rec.Detail})
	}
	for _, item := range items {
		pdf.CellFormat(50, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addRecordQR(pdf *gofpdf.Fpdf, rec LoadRecord) {
	png, err := RecordQR(rec, 256)
	if err != nil {
		// A failed cycle may have no digest; its record goes out
		// without the code.
		return
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("record-qr", opts, bytes.NewReader(png))
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Load Identity")
	pdf.Ln(9)
	pdf.ImageOptions("record-qr", pdf.GetX(), pdf.GetY(), 40, 40, false, opts, 0, "")
	pdf.Ln(44)
}

func timeLabel(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func emptyFallback(val, fallback string) string {
	if val == "" {
		return fallback
	}
	return val
}
