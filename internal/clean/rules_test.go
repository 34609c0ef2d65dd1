package clean

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func baseRow() map[string]string {
	return map[string]string{
		"crash_record_id":        "A",
		"crash_date":             "2026-08-01T14:30:00",
		"crash_day_of_week":      "7",
		"crash_hour":             "14",
		"beat_of_occurrence":     "1913",
		"latitude":               "41.881",
		"longitude":              "-87.623",
		"num_units":              "2",
		"injuries_total":         "1",
		"posted_speed_limit":     "30",
		"crash_type":             "no injury / drive away",
		"lighting_condition":     "daylight",
		"road_defect":            "NO DEFECTS",
		"roadway_surface_cond":   "wet",
		"street_direction":       "N",
		"trafficway_type":        "NOT DIVIDED",
		"weather_condition":      "blowing snow",
		"traffic_control_device": "traffic signal",
		"hit_and_run_i":          "Y",
		"intersection_related_i": "",
		"work_zone_i":            "no",
		"private_property_i":     "true",
	}
}

func TestCleanHappyRow(t *testing.T) {
	corrID := uuid.New()
	recs, stats := Clean([]map[string]string{baseRow()}, corrID)
	if stats.RowsKept != 1 || stats.RowsRejected != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	r := recs[0]

	if !r.CrashDate.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("crash date not truncated to midnight: %v", r.CrashDate)
	}
	if r.IsWeekend != 1 {
		t.Errorf("day 7 should be weekend")
	}
	if r.HourBin != "afternoon" {
		t.Errorf("hour 14 bin = %s, want afternoon", r.HourBin)
	}
	if r.GridID != "41.88_-87.62" {
		t.Errorf("grid id = %s", r.GridID)
	}
	if r.WeatherCondition != "SNOW" {
		t.Errorf("blowing snow should consolidate to SNOW, got %s", r.WeatherCondition)
	}
	if r.CrashType != "NO INJURY / DRIVE AWAY" {
		t.Errorf("crash type = %s", r.CrashType)
	}
	if r.HitAndRunI != 1 || r.IntersectionRelatedI != 0 || r.WorkZoneI != 0 || r.PrivatePropertyI != 1 {
		t.Errorf("booleans wrong: %d %d %d %d", r.HitAndRunI, r.IntersectionRelatedI, r.WorkZoneI, r.PrivatePropertyI)
	}
	if r.CorrID != corrID {
		t.Errorf("corrid not stamped")
	}
}

func TestCleanRejections(t *testing.T) {
	noID := baseRow()
	noID["crash_record_id"] = ""

	noDate := baseRow()
	noDate["crash_record_id"] = "B"
	noDate["crash_date"] = ""

	offGrid := baseRow()
	offGrid["crash_record_id"] = "C"
	offGrid["latitude"] = "40.0"

	zeroZero := baseRow()
	zeroZero["crash_record_id"] = "D"
	zeroZero["latitude"] = "0"
	zeroZero["longitude"] = "0"

	recs, stats := Clean([]map[string]string{noID, noDate, offGrid, zeroZero, baseRow()}, uuid.New())
	if stats.RowsKept != 1 {
		t.Fatalf("kept %d rows, want 1: %+v", stats.RowsKept, stats)
	}
	if stats.RowsRejected != 4 {
		t.Errorf("rejected %d rows, want 4", stats.RowsRejected)
	}
	if stats.Rejections[rejectMissingID] != 1 ||
		stats.Rejections[rejectMissingDate] != 1 ||
		stats.Rejections[rejectBadCoords] != 2 {
		t.Errorf("rejection reasons wrong: %v", stats.Rejections)
	}
	if recs[0].CrashRecordID != "A" {
		t.Errorf("wrong survivor: %s", recs[0].CrashRecordID)
	}
}

func TestCleanFillsAndCaps(t *testing.T) {
	full := baseRow()
	full["num_units"] = "12"       // above cap
	full["posted_speed_limit"] = "99"

	sparse := baseRow()
	sparse["crash_record_id"] = "B"
	sparse["num_units"] = ""
	sparse["injuries_total"] = ""
	sparse["posted_speed_limit"] = ""
	sparse["roadway_surface_cond"] = "GRAVEL"
	sparse["lighting_condition"] = ""
	sparse["crash_hour"] = ""
	sparse["crash_day_of_week"] = ""

	recs, stats := Clean([]map[string]string{full, sparse}, uuid.New())
	if stats.RowsKept != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	byID := map[string]int{}
	for i, r := range recs {
		byID[r.CrashRecordID] = i
	}
	a, b := recs[byID["A"]], recs[byID["B"]]

	if a.NumUnits != maxNumUnits {
		t.Errorf("num_units not capped: %d", a.NumUnits)
	}
	if a.PostedSpeedLimit != maxSpeedLimit {
		t.Errorf("speed limit not capped: %d", a.PostedSpeedLimit)
	}

	if b.InjuriesTotal != 0 {
		t.Errorf("missing injuries should be 0, got %v", b.InjuriesTotal)
	}
	if b.NumUnits == 0 {
		t.Errorf("missing num_units should take the median, got 0")
	}
	if b.RoadwaySurfaceCond != "OTHER" {
		t.Errorf("off-whitelist surface = %s, want OTHER", b.RoadwaySurfaceCond)
	}
	if b.LightingCondition != "OTHER" {
		t.Errorf("missing lighting = %s, want OTHER", b.LightingCondition)
	}
	if b.HourBin != "OTHER" {
		t.Errorf("missing hour bin = %s, want OTHER", b.HourBin)
	}
	if b.IsWeekend != 0 {
		t.Errorf("missing day of week should not be weekend")
	}
}

func TestStandardizeBool(t *testing.T) {
	truthy := []string{"Y", "y", "yes", "TRUE", "t", "1", "1.0"}
	for _, v := range truthy {
		if standardizeBool(v) != 1 {
			t.Errorf("standardizeBool(%q) = 0, want 1", v)
		}
	}
	falsy := []string{"", "N", "no", "false", "0", "UNKNOWN", "garbage"}
	for _, v := range falsy {
		if standardizeBool(v) != 0 {
			t.Errorf("standardizeBool(%q) = 1, want 0", v)
		}
	}
}

func TestBinHour(t *testing.T) {
	cases := map[int]string{0: "night", 6: "night", 7: "morning", 12: "morning", 13: "afternoon", 18: "afternoon", 19: "evening", 23: "evening", 24: "OTHER"}
	for h, want := range cases {
		if got := binHour(h); got != want {
			t.Errorf("binHour(%d) = %s, want %s", h, got, want)
		}
	}
}
