package transform

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// maxListColumns caps how many text columns per child dataset get a
// distinct-values list in the merged output.
const maxListColumns = 5

// Standardize lowercases and trims column names and drops exact duplicate
// rows, preserving first-seen order.
func Standardize(recs []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(recs))
	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		norm := make(map[string]any, len(rec))
		for k, v := range rec {
			norm[strings.ToLower(strings.TrimSpace(k))] = v
		}
		fp := fingerprint(norm)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		out = append(out, norm)
	}
	return out
}

func fingerprint(rec map[string]any) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", rec[k])
		b.WriteByte(';')
	}
	return b.String()
}

// Aggregation is the per-crash rollup of one child dataset.
type Aggregation struct {
	// Columns lists the rollup column names in output order.
	Columns []string
	// ByID maps crash id to its rollup values.
	ByID map[string]map[string]any
}

// Aggregate collapses many child rows per crash id into one row: a count
// plus sorted distinct-values lists for a handful of text columns. Candidate
// columns are taken in name order so output is deterministic.
func Aggregate(recs []map[string]any, idCol, prefix string) Aggregation {
	countCol := prefix + "_count"
	agg := Aggregation{
		Columns: []string{countCol},
		ByID:    make(map[string]map[string]any),
	}
	if len(recs) == 0 {
		return agg
	}

	textCols := textColumns(recs, idCol)
	if len(textCols) > maxListColumns {
		textCols = textCols[:maxListColumns]
	}

	type bucket struct {
		count  int
		values map[string]map[string]bool
	}
	buckets := make(map[string]*bucket)
	for _, rec := range recs {
		id, ok := rec[idCol].(string)
		if !ok || id == "" {
			continue
		}
		b := buckets[id]
		if b == nil {
			b = &bucket{values: make(map[string]map[string]bool)}
			buckets[id] = b
		}
		b.count++
		for _, col := range textCols {
			v, ok := rec[col].(string)
			if !ok {
				continue
			}
			if b.values[col] == nil {
				b.values[col] = make(map[string]bool)
			}
			b.values[col][v] = true
		}
	}

	for _, col := range textCols {
		agg.Columns = append(agg.Columns, prefix+"_"+col+"_list")
	}
	for id, b := range buckets {
		row := map[string]any{countCol: b.count}
		for _, col := range textCols {
			distinct := make([]string, 0, len(b.values[col]))
			for v := range b.values[col] {
				distinct = append(distinct, v)
			}
			sort.Strings(distinct)
			row[prefix+"_"+col+"_list"] = distinct
		}
		agg.ByID[id] = row
	}
	return agg
}

// textColumns returns, in sorted order, the columns holding string values.
func textColumns(recs []map[string]any, idCol string) []string {
	isText := make(map[string]bool)
	for _, rec := range recs {
		for k, v := range rec {
			if k == idCol {
				continue
			}
			if _, ok := v.(string); ok {
				isText[k] = true
			}
		}
	}
	cols := make([]string, 0, len(isText))
	for k := range isText {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Merged is the joined dataset, one row per crash.
type Merged struct {
	Columns []string
	Rows    []map[string]any
}

// Merge left-joins crash rows with the vehicle and person rollups and drops
// later rows sharing a crash id, keeping the first.
func Merge(crashes, vehicles, people []map[string]any, idCol string) Merged {
	crashes = Standardize(crashes)
	idCol = strings.ToLower(idCol)

	vehAgg := Aggregate(Standardize(vehicles), idCol, "veh")
	pplAgg := Aggregate(Standardize(people), idCol, "ppl")

	cols := unionColumns(crashes, idCol)
	cols = append(cols, vehAgg.Columns...)
	cols = append(cols, pplAgg.Columns...)

	seen := make(map[string]bool, len(crashes))
	rows := make([]map[string]any, 0, len(crashes))
	for _, crash := range crashes {
		id, _ := crash[idCol].(string)
		if id != "" {
			if seen[id] {
				continue
			}
			seen[id] = true
		}
		row := make(map[string]any, len(crash)+len(vehAgg.Columns)+len(pplAgg.Columns))
		for k, v := range crash {
			row[k] = v
		}
		for _, agg := range []Aggregation{vehAgg, pplAgg} {
			if child, ok := agg.ByID[id]; ok {
				for k, v := range child {
					row[k] = v
				}
			}
		}
		rows = append(rows, row)
	}
	return Merged{Columns: cols, Rows: rows}
}

// unionColumns collects every crash column, id first, remainder sorted.
func unionColumns(recs []map[string]any, idCol string) []string {
	set := make(map[string]bool)
	for _, rec := range recs {
		for k := range rec {
			set[k] = true
		}
	}
	delete(set, idCol)
	rest := make([]string, 0, len(set))
	for k := range set {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	if len(recs) == 0 {
		return nil
	}
	return append([]string{idCol}, rest...)
}

// EncodeCSV renders the merged rows as CSV. Columns holding non-scalar
// values are JSON-encoded and renamed with a _json suffix so downstream
// consumers see flat text cells.
func EncodeCSV(m Merged) ([]byte, error) {
	nested := make(map[string]bool)
	for _, row := range m.Rows {
		for _, col := range m.Columns {
			switch row[col].(type) {
			case nil, string, bool, float64, int:
			default:
				nested[col] = true
			}
		}
	}

	header := make([]string, len(m.Columns))
	for i, col := range m.Columns {
		if nested[col] {
			header[i] = col + "_json"
		} else {
			header[i] = col
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, row := range m.Rows {
		cells := make([]string, len(m.Columns))
		for i, col := range m.Columns {
			cell, err := csvCell(row[col], nested[col])
			if err != nil {
				return nil, fmt.Errorf("encode column %s: %w", col, err)
			}
			cells[i] = cell
		}
		if err := w.Write(cells); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func csvCell(v any, nested bool) (string, error) {
	if v == nil {
		return "", nil
	}
	if nested {
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
}
