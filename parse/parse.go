package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
)

var zipMagic = []byte("PK\x03\x04")

// Extracts stop names from a static GTFS payload. The payload is
// either a full GTFS archive, in which case stops.txt is read from
// it, or a bare stops.txt table.
func ParseStopsPayload(buf []byte, contentType string) (map[string]string, error) {
	if !isArchive(buf, contentType) {
		names, err := ParseStopNames(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("parsing stops table: %w", err)
		}
		return names, nil
	}

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	for _, f := range r.File {
		// Some agencies nest everything in a subdirectory.
		if f.FileInfo().IsDir() {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(f.Name), "stops.txt") {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		defer rc.Close()

		names, err := ParseStopNames(rc)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", f.Name, err)
		}
		return names, nil
	}

	return nil, fmt.Errorf("archive did not include stops.txt")
}

func isArchive(buf []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "zip") {
		return true
	}
	return bytes.HasPrefix(buf, zipMagic)
}
