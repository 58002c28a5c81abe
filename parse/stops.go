package parse

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spkg/bom"
)

const byteOrderMark = "\uFEFF"

type StopCSV struct {
	ID   string `csv:"stop_id"`
	Name string `csv:"stop_name"`
}

// Parses a stops.txt table into a map from stop_id to stop_name.
//
// Header names are matched case-insensitively, after trimming
// whitespace and byte order marks. Rows lacking either stop_id or
// stop_name, including truncated rows, are skipped. A table yielding no stops at all is an
// error, as it's most likely not a stops table.
func ParseStopNames(data io.Reader) (map[string]string, error) {
	// Like gocsv.LazyCSVReader, but rows may be short.
	csvReader := csv.NewReader(bom.NewReader(data))
	csvReader.LazyQuotes = true
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	reader := &headerNormalizingReader{CSVReader: csvReader}

	stopCsv := []*StopCSV{}
	if err := gocsv.UnmarshalCSV(reader, &stopCsv); err != nil {
		return nil, errors.Wrap(err, "unmarshaling stops csv")
	}

	for _, required := range []string{"stop_id", "stop_name"} {
		if !reader.hasColumn(required) {
			return nil, errors.Errorf("missing %s column", required)
		}
	}

	names := map[string]string{}
	for _, st := range stopCsv {
		id := strings.TrimSpace(st.ID)
		name := strings.TrimSpace(st.Name)
		if id == "" || name == "" {
			continue
		}
		names[id] = name
	}

	if len(names) == 0 {
		return nil, errors.New("stops table contained no valid stop names")
	}

	return names, nil
}

// Lowercases and trims the header row before gocsv gets to see it.
type headerNormalizingReader struct {
	gocsv.CSVReader

	header []string
}

func (r *headerNormalizingReader) Read() ([]string, error) {
	row, err := r.CSVReader.Read()
	if err != nil {
		return nil, err
	}

	if r.header == nil {
		for i, col := range row {
			row[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, byteOrderMark)))
		}
		r.header = row
	}

	return row, nil
}

func (r *headerNormalizingReader) ReadAll() ([][]string, error) {
	rows := [][]string{}
	for {
		row, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

func (r *headerNormalizingReader) hasColumn(name string) bool {
	for _, col := range r.header {
		if col == name {
			return true
		}
	}
	return false
}
