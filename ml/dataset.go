package ml

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// DatasetOptions names the non-feature columns of the CSV.
type DatasetOptions struct {
	IDColumn    string
	LabelColumn string
}

// DefaultDatasetOptions matches the public breast-cancer CSV.
func DefaultDatasetOptions() DatasetOptions {
	return DatasetOptions{IDColumn: "id", LabelColumn: "diagnosis"}
}

// Dataset is the labeled table, row-major in schema order.
type Dataset struct {
	Schema Schema
	IDs    []string
	Rows   [][]float64
	Labels []string
}

func (d *Dataset) Len() int {
	return len(d.Rows)
}

// Classes returns the distinct labels sorted ascending.
func (d *Dataset) Classes() []string {
	seen := make(map[string]struct{})
	for _, label := range d.Labels {
		seen[label] = struct{}{}
	}
	classes := make([]string, 0, len(seen))
	for label := range seen {
		classes = append(classes, label)
	}
	sort.Strings(classes)
	return classes
}

// Subset copies the rows at the given indices, in that order.
func (d *Dataset) Subset(indices []int) *Dataset {
	sub := &Dataset{
		Schema: d.Schema,
		IDs:    make([]string, len(indices)),
		Rows:   make([][]float64, len(indices)),
		Labels: make([]string, len(indices)),
	}
	for i, idx := range indices {
		sub.IDs[i] = d.IDs[idx]
		sub.Rows[i] = d.Rows[idx]
		sub.Labels[i] = d.Labels[idx]
	}
	return sub
}

// Column returns every value of the feature at position j.
func (d *Dataset) Column(j int) []float64 {
	col := make([]float64, len(d.Rows))
	for i, row := range d.Rows {
		col[i] = row[j]
	}
	return col
}

// LoadDataset reads the CSV at path.
func LoadDataset(path string, opts DatasetOptions) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open dataset: %v", ErrLoad, err)
	}
	defer file.Close()

	ds, err := ReadDataset(file, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// ReadDataset parses a delimited table with an identifier column, a two-valued label
// column and numeric feature columns. Unused columns (blank or "Unnamed: N" headers, or
// no value in any row) are dropped. A blank value in a feature column is a load error.
func ReadDataset(r io.Reader, opts DatasetOptions) (*Dataset, error) {
	if opts.IDColumn == "" || opts.LabelColumn == "" {
		def := DefaultDatasetOptions()
		if opts.IDColumn == "" {
			opts.IDColumn = def.IDColumn
		}
		if opts.LabelColumn == "" {
			opts.LabelColumn = def.LabelColumn
		}
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty dataset", ErrLoad)
		}
		return nil, fmt.Errorf("%w: read header: %v", ErrLoad, err)
	}
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: read records: %v", ErrLoad, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: dataset has no rows", ErrLoad)
	}

	idCol, labelCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case opts.IDColumn:
			idCol = i
		case opts.LabelColumn:
			labelCol = i
		}
	}
	if idCol < 0 {
		return nil, fmt.Errorf("%w: missing identifier column %q", ErrLoad, opts.IDColumn)
	}
	if labelCol < 0 {
		return nil, fmt.Errorf("%w: missing label column %q", ErrLoad, opts.LabelColumn)
	}

	featureCols := make([]int, 0, len(header))
	names := make([]string, 0, len(header))
	for i, name := range header {
		if i == idCol || i == labelCol || unusedColumn(name, i, records) {
			continue
		}
		featureCols = append(featureCols, i)
		names = append(names, strings.TrimSpace(name))
	}
	if len(featureCols) == 0 {
		return nil, fmt.Errorf("%w: no feature columns", ErrLoad)
	}

	schema := NewSchema(names)
	if dup := schema.Duplicate(); dup != "" {
		return nil, fmt.Errorf("%w: duplicate feature column %q", ErrLoad, dup)
	}

	ds := &Dataset{
		Schema: schema,
		IDs:    make([]string, 0, len(records)),
		Rows:   make([][]float64, 0, len(records)),
		Labels: make([]string, 0, len(records)),
	}
	for n, rec := range records {
		line := n + 2
		label := strings.TrimSpace(rec[labelCol])
		if label == "" {
			return nil, fmt.Errorf("%w: line %d: empty label", ErrLoad, line)
		}
		row := make([]float64, len(featureCols))
		for j, col := range featureCols {
			raw := strings.TrimSpace(rec[col])
			if raw == "" {
				return nil, fmt.Errorf("%w: line %d: missing value for %q", ErrLoad, line, names[j])
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %q is not a number: %v", ErrLoad, line, names[j], err)
			}
			row[j] = v
		}
		ds.IDs = append(ds.IDs, strings.TrimSpace(rec[idCol]))
		ds.Rows = append(ds.Rows, row)
		ds.Labels = append(ds.Labels, label)
	}

	if classes := ds.Classes(); len(classes) != 2 {
		return nil, fmt.Errorf("%w: label column %q must have exactly two classes, found %d", ErrLoad, opts.LabelColumn, len(classes))
	}
	return ds, nil
}

func unusedColumn(name string, col int, records [][]string) bool {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, "Unnamed:") {
		return true
	}
	for _, rec := range records {
		if strings.TrimSpace(rec[col]) != "" {
			return false
		}
	}
	return true
}
