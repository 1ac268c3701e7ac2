package area

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Columns of a per-crop area CSV
var Columns = []string{"state", "year", "crop", "class_id", "area_m2", "area_ha", "area_acre"}

const utf8BOM = "\ufeff"

// Row is the area of one class in one state
type Row struct {
	State    string
	Year     string
	Crop     string
	ClassID  int
	AreaM2   int64
	AreaHa   float64
	AreaAcre float64
}

// NewRow converts a pixel count at res metres per pixel into a row
func NewRow(state, year, crop string, classID int, count int64, res float64) Row {
	m2 := int64(float64(count) * res * res)
	return Row{
		State:    state,
		Year:     year,
		Crop:     crop,
		ClassID:  classID,
		AreaM2:   m2,
		AreaHa:   round2(float64(m2) / 10000),
		AreaAcre: round2(float64(m2) / 4046.8564224),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// formatFloat renders floats the way the CSV has always carried them: at
// least one decimal, no trailing zeros beyond it
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func (r Row) record() []string {
	return []string{
		r.State,
		r.Year,
		r.Crop,
		strconv.Itoa(r.ClassID),
		strconv.FormatInt(r.AreaM2, 10),
		formatFloat(r.AreaHa),
		formatFloat(r.AreaAcre),
	}
}

// CSVPath returns the per-crop area CSV of a run
func CSVPath(outputRoot, year, country, crop string) string {
	return filepath.Join(outputRoot, Dir, fmt.Sprintf("%s_%s_%s.csv", year, country, crop))
}

func readRecords(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte(utf8BOM))
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || len(records[0]) == 0 || records[0][0] != "state" {
		return nil, fmt.Errorf("%s has no state header", path)
	}
	return records[1:], nil
}

// UpdateCSV rewrites a per-crop CSV: existing rows of processed states are
// dropped, other states are kept, and rows are appended. Nothing is written
// when there are neither rows nor processed states, so a state that lost all
// its area still clears its old rows.
func UpdateCSV(path string, rows []Row, processed []string) error {
	if len(rows) == 0 && len(processed) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(processed))
	for _, s := range processed {
		drop[s] = true
	}

	var out [][]string
	if existing, err := readRecords(path); err == nil {
		for _, rec := range existing {
			if !drop[rec[0]] {
				out = append(out, rec)
			}
		}
	}
	for _, r := range rows {
		out = append(out, r.record())
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString(utf8BOM)
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return err
	}
	if err := w.WriteAll(out); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
