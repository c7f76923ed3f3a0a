package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"research-orchestrator/internal/models"
	"research-orchestrator/internal/repository"
)

// Format is an export file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for formats other than csv and xlsx
var ErrUnsupportedFormat = errors.New("unsupported export format")

const sheetName = "Results"

// Valid reports whether f is a supported format
func (f Format) Valid() bool {
	return f == FormatCSV || f == FormatXLSX
}

// ContentType returns the MIME type served for f
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// Table is the flattened view of a job's completed items: one row per item, one column per
// payload key followed by one column per result key.
type Table struct {
	Header []string
	Rows   [][]string
}

// Service renders completed items of a job into downloadable files.
type Service struct {
	repo   repository.JobRepository
	logger *logrus.Entry
}

func NewService(repo repository.JobRepository, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{repo: repo, logger: logger}
}

// Export streams the job's completed items to w in the requested format. Nothing is
// written when the format is unsupported or the job cannot be loaded.
func (s *Service) Export(ctx context.Context, w io.Writer, jobID string, format Format) error {
	if !format.Valid() {
		return errors.Wrapf(ErrUnsupportedFormat, "format %q", format)
	}

	table, err := s.Table(ctx, jobID)
	if err != nil {
		return err
	}

	if format == FormatXLSX {
		err = WriteXLSX(w, table)
	} else {
		err = WriteCSV(w, table)
	}
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"job_id": jobID, "format": format, "rows": len(table.Rows)}).Info("exported job results")
	return nil
}

// Table loads the job's completed items and flattens them
func (s *Service) Table(ctx context.Context, jobID string) (*Table, error) {
	if _, err := s.repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	items, err := s.repo.ListItems(ctx, jobID, models.ItemCompleted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list completed items")
	}
	return Flatten(items), nil
}

// Flatten builds a Table from items. Payload and result keys are unioned across items and
// sorted; result columns carry a "result." prefix. Non-object payloads or results land in a
// single "payload" or "result" column.
func Flatten(items []*models.Item) *Table {
	payloads := make([]map[string]interface{}, len(items))
	results := make([]map[string]interface{}, len(items))
	payloadKeys := make(map[string]bool)
	resultKeys := make(map[string]bool)

	for i, item := range items {
		payloads[i] = objectOrWrapped(item.Payload, "payload")
		results[i] = objectOrWrapped(item.Result, "result")
		for k := range payloads[i] {
			payloadKeys[k] = true
		}
		for k := range results[i] {
			resultKeys[k] = true
		}
	}

	pcols := sortedKeys(payloadKeys)
	rcols := sortedKeys(resultKeys)

	header := []string{"seq", "label"}
	header = append(header, pcols...)
	for _, k := range rcols {
		header = append(header, "result."+k)
	}

	rows := make([][]string, 0, len(items))
	for i, item := range items {
		row := []string{strconv.Itoa(item.Seq), item.Label}
		for _, k := range pcols {
			row = append(row, cellText(payloads[i][k]))
		}
		for _, k := range rcols {
			row = append(row, cellText(results[i][k]))
		}
		rows = append(rows, row)
	}
	return &Table{Header: header, Rows: rows}
}

// WriteCSV streams the table as CSV with a header row
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return errors.Wrap(err, "csv write")
	}
	for _, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return errors.Wrap(err, "csv write")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "csv write")
}

// WriteXLSX streams the table as a single-sheet workbook through excelize's row writer
func WriteXLSX(w io.Writer, t *Table) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return errors.Wrap(err, "xlsx sheet")
	}
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return errors.Wrap(err, "xlsx stream")
	}

	if len(t.Header) > 0 {
		_ = sw.SetColWidth(1, 1, 8)
		if len(t.Header) > 1 {
			_ = sw.SetColWidth(2, len(t.Header), 24)
		}
	}

	writeRow := func(n int, values []string) error {
		cell, err := excelize.CoordinatesToCellName(1, n)
		if err != nil {
			return err
		}
		row := make([]interface{}, len(values))
		for i, v := range values {
			row[i] = v
		}
		return sw.SetRow(cell, row)
	}

	if err := writeRow(1, t.Header); err != nil {
		return errors.Wrap(err, "xlsx header")
	}
	for i, row := range t.Rows {
		if err := writeRow(i+2, row); err != nil {
			return errors.Wrap(err, "xlsx row")
		}
	}
	if err := sw.Flush(); err != nil {
		return errors.Wrap(err, "xlsx flush")
	}
	return errors.Wrap(f.Write(w), "xlsx write")
}

func objectOrWrapped(raw json.RawMessage, key string) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return obj
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]interface{}{key: string(raw)}
	}
	return map[string]interface{}{key: v}
}

func cellText(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
