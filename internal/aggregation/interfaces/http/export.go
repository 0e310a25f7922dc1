package http

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	aggregation "energy-telemetry/internal/aggregation/domain"
	"energy-telemetry/internal/logging"
	"energy-telemetry/internal/observability/metrics"
)

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"
)

var exportContentTypes = map[string]string{
	FormatCSV:  "text/csv; charset=utf-8",
	FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	FormatPDF:  "application/pdf",
}

var exportHeader = []string{
	"device_id",
	"window_start",
	"window_end",
	"min_energy",
	"max_energy",
	"avg_energy",
	"sample_count",
	"skipped_count",
}

// ExportHandler renders aggregate rows as CSV, XLSX or PDF.
type ExportHandler struct {
	query  aggregation.AggregateQuery
	logger logrus.FieldLogger
}

// NewExportHandler constructs an export handler.
func NewExportHandler(query aggregation.AggregateQuery, logger logrus.FieldLogger) (*ExportHandler, error) {
	if query == nil {
		return nil, errors.New("export handler: nil query")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ExportHandler{query: query, logger: logging.Component(logger, "aggregates_export")}, nil
}

// ServeHTTP handles GET /api/v1/aggregates/export.{csv,xlsx,pdf}.
func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	format := exportFormat(r.URL.Path)
	contentType, ok := exportContentTypes[format]
	if !ok {
		http.NotFound(w, r)
		return
	}

	start := time.Now()
	rows, ok := loadAggregates(w, r, h.query, h.logger)
	if !ok {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		return
	}

	var (
		body []byte
		err  error
	)
	switch format {
	case FormatCSV:
		body, err = BuildAggregatesCSV(rows)
	case FormatXLSX:
		body, err = BuildAggregatesXLSX(rows)
	case FormatPDF:
		body, err = BuildAggregatesPDF(r.URL.Query().Get("device_id"), rows)
	}
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		h.logger.WithError(err).WithField("format", format).Error("render export error")
		http.Error(w, "render export error", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(start))

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="aggregates.%s"`, format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func exportFormat(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(path[idx+1:])
}

func exportRecord(row aggregation.DeviceSummary) []string {
	return []string{
		row.DeviceID,
		formatUnix(row.WindowStart),
		formatUnix(row.WindowEnd),
		formatFloat(row.MinEnergy),
		formatFloat(row.MaxEnergy),
		formatFloat(row.AvgEnergy),
		strconv.Itoa(row.SampleCount),
		strconv.Itoa(row.SkippedCount),
	}
}

// BuildAggregatesCSV renders rows with a header line.
func BuildAggregatesCSV(rows []aggregation.DeviceSummary) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(exportHeader); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := writer.Write(exportRecord(row)); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAggregatesXLSX renders rows into a single "aggregates" sheet.
func BuildAggregatesXLSX(rows []aggregation.DeviceSummary) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := "aggregates"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	for i, name := range exportHeader {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, cell, name)
	}
	for i, row := range rows {
		line := i + 2
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", line), row.DeviceID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", line), formatUnix(row.WindowStart))
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", line), formatUnix(row.WindowEnd))
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", line), row.MinEnergy)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", line), row.MaxEnergy)
		_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", line), row.AvgEnergy)
		_ = f.SetCellValue(sheet, fmt.Sprintf("G%d", line), row.SampleCount)
		_ = f.SetCellValue(sheet, fmt.Sprintf("H%d", line), row.SkippedCount)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAggregatesPDF renders a one-table report for a device.
func BuildAggregatesPDF(deviceID string, rows []aggregation.DeviceSummary) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Hourly Energy Aggregates")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", deviceID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Windows: %d", len(rows)))
	pdf.Ln(8)

	widths := []float64{50, 50, 30, 30, 30, 25, 25}
	headers := []string{"Window start", "Window end", "Min", "Max", "Avg", "Samples", "Skipped"}
	pdf.SetFont("Arial", "B", 10)
	for i, header := range headers {
		pdf.CellFormat(widths[i], 6, header, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, row := range rows {
		pdf.CellFormat(widths[0], 6, formatUnix(row.WindowStart), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[1], 6, formatUnix(row.WindowEnd), "1", 0, "C", false, 0, "")
		pdf.CellFormat(widths[2], 6, fmt.Sprintf("%.3f", row.MinEnergy), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 6, fmt.Sprintf("%.3f", row.MaxEnergy), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[4], 6, fmt.Sprintf("%.3f", row.AvgEnergy), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[5], 6, strconv.Itoa(row.SampleCount), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[6], 6, strconv.Itoa(row.SkippedCount), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatUnix(seconds int64) string {
	return time.Unix(seconds, 0).UTC().Format(time.RFC3339)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
