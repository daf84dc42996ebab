package syncservice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/storage"
	"github.com/xuri/excelize/v2"
)

const (
	conflictSheet = "Conflicts"
	historySheet  = "History"
)

var conflictHeadings = []string{
	"ConflictId", "Status", "DetectedAt", "SourceObject", "SourceRecordId", "TargetObject",
	"TargetRecordId", "SourceField", "TargetField", "SourceValue", "TargetValue",
	"SourceModifiedAt", "TargetModifiedAt",
}

var historyHeadings = []string{
	"RunId", "Status", "Direction", "Objects", "TriggeredBy", "StartedAt", "FinishedAt",
	"Processed", "Created", "Updated", "Conflicted", "Errored", "Skipped", "Errors",
}

// ExportConflicts renders conflicts as a workbook, one row per conflicting field.
func ExportConflicts(conflicts []*conflict.ConflictRecord) ([]byte, error) {
	var rows [][]any
	for _, c := range conflicts {
		for _, fc := range c.ConflictingFields {
			rows = append(rows, []any{
				c.ID, string(c.Status), c.DetectedAt.UTC().Format(time.RFC3339),
				c.SourceObject, c.SourceRecordID, c.TargetObject, c.TargetRecordID,
				fc.SourceField, fc.TargetField, cellValue(fc.SourceValue), cellValue(fc.TargetValue),
				timeCell(fc.SourceModifiedAt), timeCell(fc.TargetModifiedAt),
			})
		}
	}
	return workbook(conflictSheet, conflictHeadings, rows)
}

// ExportHistory renders sync runs as a workbook, newest first as given.
func ExportHistory(history []*storage.SyncHistory) ([]byte, error) {
	rows := make([][]any, 0, len(history))
	for _, h := range history {
		rows = append(rows, []any{
			h.ID, h.Status, h.Direction, strings.Join(h.Objects, ", "), h.TriggeredBy,
			h.StartedAt.UTC().Format(time.RFC3339), timeCell(h.FinishedAt),
			h.Processed, h.Created, h.Updated, h.Conflicted, h.Errored, h.Skipped,
			strings.Join(h.Errors, "\n"),
		})
	}
	return workbook(historySheet, historyHeadings, rows)
}

func workbook(sheet string, headings []string, rows [][]any) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	// rename the default sheet rather than leaving an empty Sheet1 behind
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, err
	}
	header := make([]any, len(headings))
	for i, h := range headings {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, err
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// cellValue keeps scalars as they are and writes composite values as JSON.
func cellValue(v any) any {
	switch v.(type) {
	case nil:
		return ""
	case string, bool, int, int64, float64:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func timeCell(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
