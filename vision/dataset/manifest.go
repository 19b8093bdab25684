package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pixelclass/pixelclass/errdefs"
)

// Default manifest column names
const (
	DefaultPathColumn  = "ruta"
	DefaultLabelColumn = "etiqueta"
)

// Record is one manifest line keyed by header name. Fields missing from a
// short line map to the empty string.
type Record map[string]string

// Row is one labeled image reference
type Row struct {
	ImagePath string
	Label     int
}

// ReadManifest reads a comma separated manifest whose first line is the header
func ReadManifest(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.WithPath(errdefs.IO, "read manifest", path, err)
	}
	records, err := ParseManifest(string(data))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return records, nil
}

// ParseManifest parses manifest text. Surrounding whitespace is trimmed first so
// trailing blank lines are ignored. Embedded commas are not supported.
func ParseManifest(text string) ([]Record, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errdefs.Newf(errdefs.Shape, "parse manifest", "manifest has no header")
	}

	lines := strings.Split(text, "\n")
	headers := strings.Split(strings.TrimRight(lines[0], "\r"), ",")
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	records := make([]Record, 0, len(lines)-1)
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		values := strings.Split(line, ",")
		record := make(Record, len(headers))
		for i, header := range headers {
			if i < len(values) {
				record[header] = values[i]
			} else {
				record[header] = ""
			}
		}
		records = append(records, record)
	}
	return records, nil
}

// RowsFromRecords binds the path and label columns of every record.
// baseDir, when non-empty, is joined onto relative image paths.
func RowsFromRecords(records []Record, pathColumn, labelColumn, baseDir string) ([]Row, error) {
	rows := make([]Row, 0, len(records))
	for i, record := range records {
		path, ok := record[pathColumn]
		if !ok {
			return nil, errdefs.Newf(errdefs.Shape, "manifest rows", "row %d: missing column %q", i+1, pathColumn)
		}
		rawLabel, ok := record[labelColumn]
		if !ok {
			return nil, errdefs.Newf(errdefs.Shape, "manifest rows", "row %d: missing column %q", i+1, labelColumn)
		}
		label, err := strconv.Atoi(strings.TrimSpace(rawLabel))
		if err != nil {
			return nil, errdefs.Newf(errdefs.Shape, "manifest rows", "row %d: label %q is not an integer", i+1, rawLabel)
		}

		path = strings.TrimSpace(path)
		if baseDir != "" && path != "" && !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		rows = append(rows, Row{ImagePath: path, Label: label})
	}
	return rows, nil
}

// LoadRows reads a manifest and binds its path and label columns. When
// resolveRelative is set, relative image paths resolve against the manifest's
// directory instead of the working directory.
func LoadRows(path, pathColumn, labelColumn string, resolveRelative bool) ([]Row, error) {
	records, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}
	baseDir := ""
	if resolveRelative {
		baseDir = filepath.Dir(path)
	}
	return RowsFromRecords(records, pathColumn, labelColumn, baseDir)
}

// ManifestDataset indexes manifest rows by position
type ManifestDataset struct {
	rows []Row
}

// NewManifestDataset wraps rows in manifest order
func NewManifestDataset(rows []Row) *ManifestDataset {
	return &ManifestDataset{rows: rows}
}

// Len returns the number of items in the dataset
func (d *ManifestDataset) Len() int {
	return len(d.rows)
}

// GetItem returns the image path and label at the given index
func (d *ManifestDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.rows) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.rows))
	}
	return d.rows[index].ImagePath, d.rows[index].Label, nil
}

// Rows returns the rows in manifest order
func (d *ManifestDataset) Rows() []Row {
	return d.rows
}

// NumClasses returns one more than the largest label
func (d *ManifestDataset) NumClasses() int {
	max := -1
	for _, row := range d.rows {
		if row.Label > max {
			max = row.Label
		}
	}
	return max + 1
}

// ClassDistribution returns the number of samples per label
func (d *ManifestDataset) ClassDistribution() map[int]int {
	dist := make(map[int]int)
	for _, row := range d.rows {
		dist[row.Label]++
	}
	return dist
}

// Labels returns the distinct labels in ascending order
func (d *ManifestDataset) Labels() []int {
	dist := d.ClassDistribution()
	labels := make([]int, 0, len(dist))
	for label := range dist {
		labels = append(labels, label)
	}
	sort.Ints(labels)
	return labels
}
