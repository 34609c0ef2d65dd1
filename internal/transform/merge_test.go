package transform

import (
	"bytes"
	"encoding/csv"
	"reflect"
	"testing"
)

func TestStandardize(t *testing.T) {
	recs := []map[string]any{
		{" Crash_Record_ID ": "A", "Weather": "RAIN"},
		{"crash_record_id": "A", "weather": "RAIN"}, // duplicate after normalizing
		{"crash_record_id": "B", "weather": "CLEAR"},
	}
	got := Standardize(recs)
	if len(got) != 2 {
		t.Fatalf("standardized to %d rows, want 2", len(got))
	}
	if got[0]["crash_record_id"] != "A" || got[1]["crash_record_id"] != "B" {
		t.Errorf("order not preserved: %v", got)
	}
	if _, ok := got[0]["weather"]; !ok {
		t.Errorf("column name not lowercased: %v", got[0])
	}
}

func TestAggregate(t *testing.T) {
	recs := []map[string]any{
		{"crash_record_id": "A", "unit_type": "DRIVER"},
		{"crash_record_id": "A", "unit_type": "PEDESTRIAN"},
		{"crash_record_id": "A", "unit_type": "DRIVER"},
		{"crash_record_id": "B", "unit_type": "DRIVER"},
	}
	agg := Aggregate(recs, "crash_record_id", "veh")

	a := agg.ByID["A"]
	if a == nil {
		t.Fatal("no rollup for crash A")
	}
	if a["veh_count"] != 3 {
		t.Errorf("veh_count = %v, want 3", a["veh_count"])
	}
	want := []string{"DRIVER", "PEDESTRIAN"}
	if got := a["veh_unit_type_list"]; !reflect.DeepEqual(got, want) {
		t.Errorf("veh_unit_type_list = %v, want %v", got, want)
	}
	if b := agg.ByID["B"]; b["veh_count"] != 1 {
		t.Errorf("veh_count for B = %v, want 1", b["veh_count"])
	}
}

func TestMergeLeftJoinKeepsUnmatchedCrashes(t *testing.T) {
	crashes := []map[string]any{
		{"crash_record_id": "A", "weather_condition": "RAIN"},
		{"crash_record_id": "B", "weather_condition": "CLEAR"},
		{"crash_record_id": "A", "weather_condition": "RAIN"}, // dup id, dropped
	}
	vehicles := []map[string]any{
		{"crash_record_id": "A", "unit_type": "DRIVER"},
	}
	people := []map[string]any{
		{"crash_record_id": "A", "person_type": "DRIVER"},
		{"crash_record_id": "A", "person_type": "PASSENGER"},
	}

	m := Merge(crashes, vehicles, people, "CRASH_RECORD_ID")
	if len(m.Rows) != 2 {
		t.Fatalf("merged to %d rows, want 2", len(m.Rows))
	}

	byID := map[string]map[string]any{}
	for _, row := range m.Rows {
		byID[row["crash_record_id"].(string)] = row
	}
	if byID["A"]["veh_count"] != 1 || byID["A"]["ppl_count"] != 2 {
		t.Errorf("rollups for A wrong: %v", byID["A"])
	}
	// B had no child rows; left join keeps it with absent rollups.
	if _, ok := byID["B"]; !ok {
		t.Fatal("unmatched crash B dropped")
	}
	if _, ok := byID["B"]["veh_count"]; ok {
		t.Errorf("crash B has a vehicle rollup it should not: %v", byID["B"])
	}

	if m.Columns[0] != "crash_record_id" {
		t.Errorf("first column = %s, want crash_record_id", m.Columns[0])
	}
}

func TestEncodeCSVSerializesLists(t *testing.T) {
	m := Merged{
		Columns: []string{"crash_record_id", "veh_count", "veh_unit_type_list"},
		Rows: []map[string]any{
			{"crash_record_id": "A", "veh_count": 2, "veh_unit_type_list": []string{"DRIVER", "PARKED"}},
			{"crash_record_id": "B"},
		},
	}
	out, err := EncodeCSV(m)
	if err != nil {
		t.Fatalf("EncodeCSV: %v", err)
	}

	rows, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("csv has %d rows, want 3", len(rows))
	}
	header := rows[0]
	if header[2] != "veh_unit_type_list_json" {
		t.Errorf("list column not renamed: %v", header)
	}
	if rows[1][2] != `["DRIVER","PARKED"]` {
		t.Errorf("list cell = %q", rows[1][2])
	}
	if rows[2][1] != "" || rows[2][2] != "" {
		t.Errorf("missing values should be empty cells: %v", rows[2])
	}
}
