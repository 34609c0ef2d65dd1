package clean

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmalhotra/crashlake/internal/store/postgres"
)

// Chicago bounding box; rows outside it carry bad geocoding.
const (
	latMin = 41.6
	latMax = 42.1
	lngMin = -88.0
	lngMax = -87.5
)

const (
	maxNumUnits   = 10
	maxSpeedLimit = 75
)

var (
	validRoadway  = whitelist("DRY", "UNKNOWN", "WET", "SNOW OR SLUSH", "ICE")
	validLighting = whitelist("DARKNESS, LIGHTED ROAD", "UNKNOWN", "DARKNESS", "DAWN", "DAYLIGHT", "DUSK")
	validWeather  = whitelist("CLOUDY/OVERCAST", "CLEAR", "RAIN", "SNOW")
	snowWeather   = whitelist("SNOW", "BLOWING SNOW", "SLEET/HAIL", "FREEZING RAIN/DRIZZLE")
	validTraffic  = whitelist("NO CONTROLS", "TRAFFIC SIGNAL", "STOP SIGN/FLASHER", "UNKNOWN")
	validCrash    = whitelist("NO INJURY / DRIVE AWAY", "INJURY AND / OR TOW DUE TO CRASH")
)

func whitelist(vals ...string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		m[v] = true
	}
	return m
}

// Stats summarizes one cleaning pass.
type Stats struct {
	RowsIn       int
	RowsKept     int
	RowsRejected int
	// Rejections counts dropped rows by reason.
	Rejections map[string]int
}

const (
	rejectMissingID   = "missing_crash_record_id"
	rejectMissingDate = "missing_crash_date"
	rejectBadDate     = "unparseable_crash_date"
	rejectBadCoords   = "coordinates_outside_city"
)

type optInt struct {
	v  int
	ok bool
}

type optFloat struct {
	v  float64
	ok bool
}

// draft is a row that survived rejection but still has holes to fill.
type draft struct {
	id        string
	crashDate time.Time
	dayOfWeek optInt
	crashHour optInt
	beat      optInt
	lat       optFloat
	lng       optFloat
	numUnits  optInt
	speed     optInt
	injuries  optFloat
	cats      map[string]string
	bools     map[string]int
}

var catColumns = []string{
	"crash_type", "lighting_condition", "road_defect", "roadway_surface_cond",
	"street_direction", "trafficway_type", "weather_condition", "traffic_control_device",
}

var boolColumns = []string{
	"hit_and_run_i", "intersection_related_i", "private_property_i", "work_zone_i",
}

// Clean applies the gold-layer rules to merged rows. Rows with no usable
// identity, date, or with coordinates outside the city are rejected, never
// fixed; everything else gets standardized, hole-filled, and capped.
func Clean(rows []map[string]string, corrID uuid.UUID) ([]postgres.GoldCrash, Stats) {
	stats := Stats{RowsIn: len(rows), Rejections: make(map[string]int)}

	drafts := make([]draft, 0, len(rows))
	for _, row := range rows {
		d, reason := parseRow(row)
		if reason != "" {
			stats.RowsRejected++
			stats.Rejections[reason]++
			continue
		}
		drafts = append(drafts, d)
	}
	stats.RowsKept = len(drafts)
	if len(drafts) == 0 {
		return nil, stats
	}

	// Median fills computed over the rows that survived rejection.
	medDow := medianInt(drafts, func(d draft) optInt { return d.dayOfWeek })
	medHour := medianInt(drafts, func(d draft) optInt { return d.crashHour })
	medBeat := medianInt(drafts, func(d draft) optInt { return d.beat })
	medUnits := medianInt(drafts, func(d draft) optInt { return d.numUnits })
	medSpeed := medianInt(drafts, func(d draft) optInt { return d.speed })
	medLat := medianFloat(drafts, func(d draft) optFloat { return d.lat })
	medLng := medianFloat(drafts, func(d draft) optFloat { return d.lng })

	out := make([]postgres.GoldCrash, 0, len(drafts))
	for _, d := range drafts {
		// Weekend and hour bin come from the observed values; a missing
		// day or hour stays conservative rather than inheriting the median.
		isWeekend := 0
		if d.dayOfWeek.ok && (d.dayOfWeek.v == 1 || d.dayOfWeek.v == 7) {
			isWeekend = 1
		}
		hourBin := "OTHER"
		if d.crashHour.ok {
			hourBin = binHour(d.crashHour.v)
		}

		lat := fillFloat(d.lat, medLat)
		lng := fillFloat(d.lng, medLng)
		latBin := math.Round(lat*100) / 100
		lngBin := math.Round(lng*100) / 100

		numUnits := fillInt(d.numUnits, medUnits)
		if numUnits > maxNumUnits {
			numUnits = maxNumUnits
		}
		speed := fillInt(d.speed, medSpeed)
		if speed > maxSpeedLimit {
			speed = maxSpeedLimit
		}

		injuries := 0.0
		if d.injuries.ok {
			injuries = d.injuries.v
		}

		out = append(out, postgres.GoldCrash{
			CrashRecordID:        d.id,
			CrashDate:            d.crashDate,
			CrashDayOfWeek:       fillInt(d.dayOfWeek, medDow),
			CrashHour:            fillInt(d.crashHour, medHour),
			IsWeekend:            isWeekend,
			HourBin:              hourBin,
			BeatOfOccurrence:     fillInt(d.beat, medBeat),
			Latitude:             lat,
			Longitude:            lng,
			LatBin:               latBin,
			LngBin:               lngBin,
			GridID:               fmt.Sprintf("%.2f_%.2f", latBin, lngBin),
			CrashType:            d.cats["crash_type"],
			NumUnits:             numUnits,
			InjuriesTotal:        injuries,
			LightingCondition:    d.cats["lighting_condition"],
			PostedSpeedLimit:     speed,
			RoadDefect:           d.cats["road_defect"],
			RoadwaySurfaceCond:   d.cats["roadway_surface_cond"],
			StreetDirection:      d.cats["street_direction"],
			TrafficwayType:       d.cats["trafficway_type"],
			WeatherCondition:     d.cats["weather_condition"],
			TrafficControlDevice: d.cats["traffic_control_device"],
			HitAndRunI:           d.bools["hit_and_run_i"],
			IntersectionRelatedI: d.bools["intersection_related_i"],
			WorkZoneI:            d.bools["work_zone_i"],
			PrivatePropertyI:     d.bools["private_property_i"],
			CorrID:               corrID,
		})
	}
	return out, stats
}

func parseRow(row map[string]string) (draft, string) {
	id := strings.TrimSpace(row["crash_record_id"])
	if id == "" {
		return draft{}, rejectMissingID
	}

	rawDate := strings.TrimSpace(row["crash_date"])
	if rawDate == "" {
		return draft{}, rejectMissingDate
	}
	crashDate, err := parseCrashDate(rawDate)
	if err != nil {
		return draft{}, rejectBadDate
	}

	lat := parseFloat(row["latitude"])
	lng := parseFloat(row["longitude"])
	if lat.ok && lng.ok && badCoords(lat.v, lng.v) {
		return draft{}, rejectBadCoords
	}

	d := draft{
		id:        id,
		crashDate: crashDate,
		dayOfWeek: parseInt(row["crash_day_of_week"]),
		crashHour: parseInt(row["crash_hour"]),
		beat:      parseInt(row["beat_of_occurrence"]),
		lat:       lat,
		lng:       lng,
		numUnits:  parseInt(row["num_units"]),
		speed:     parseInt(row["posted_speed_limit"]),
		injuries:  parseFloat(row["injuries_total"]),
		cats:      make(map[string]string, len(catColumns)),
		bools:     make(map[string]int, len(boolColumns)),
	}
	for _, col := range catColumns {
		d.cats[col] = standardizeCategory(col, row[col])
	}
	for _, col := range boolColumns {
		d.bools[col] = standardizeBool(row[col])
	}
	return d, ""
}

func badCoords(lat, lng float64) bool {
	if lat == 0 && lng == 0 {
		return true
	}
	return lat < latMin || lat > latMax || lng < lngMin || lng > lngMax
}

// parseCrashDate accepts the source portal's floating timestamps and plain
// dates, truncating to midnight UTC.
func parseCrashDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02T15:04:05.000", "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// standardizeBool maps y/yes/true/t/1 to 1 and anything else, including
// blanks and unknown codes, to 0.
func standardizeBool(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "true", "t", "1", "1.0":
		return 1
	default:
		return 0
	}
}

func standardizeCategory(col, s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "OTHER"
	}
	switch col {
	case "roadway_surface_cond":
		return whitelisted(strings.ToUpper(s), validRoadway)
	case "lighting_condition":
		return whitelisted(strings.ToUpper(s), validLighting)
	case "traffic_control_device":
		return whitelisted(strings.ToUpper(s), validTraffic)
	case "crash_type":
		return whitelisted(strings.ToUpper(s), validCrash)
	case "weather_condition":
		up := strings.ToUpper(s)
		if snowWeather[up] {
			return "SNOW"
		}
		return whitelisted(up, validWeather)
	default:
		return s
	}
}

func whitelisted(s string, valid map[string]bool) string {
	if valid[s] {
		return s
	}
	return "OTHER"
}

func binHour(h int) string {
	switch {
	case h <= 6:
		return "night"
	case h <= 12:
		return "morning"
	case h <= 18:
		return "afternoon"
	case h <= 23:
		return "evening"
	default:
		return "OTHER"
	}
}

func parseInt(s string) optInt {
	s = strings.TrimSpace(s)
	if s == "" {
		return optInt{}
	}
	if i, err := strconv.Atoi(s); err == nil {
		return optInt{v: i, ok: true}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return optInt{v: int(f), ok: true}
	}
	return optInt{}
}

func parseFloat(s string) optFloat {
	s = strings.TrimSpace(s)
	if s == "" {
		return optFloat{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return optFloat{}
	}
	return optFloat{v: f, ok: true}
}

func fillInt(v optInt, median int) int {
	if v.ok {
		return v.v
	}
	return median
}

func fillFloat(v optFloat, median float64) float64 {
	if v.ok {
		return v.v
	}
	return median
}

func medianInt(drafts []draft, get func(draft) optInt) int {
	vals := make([]int, 0, len(drafts))
	for _, d := range drafts {
		if v := get(d); v.ok {
			vals = append(vals, v.v)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Ints(vals)
	return vals[len(vals)/2]
}

func medianFloat(drafts []draft, get func(draft) optFloat) float64 {
	vals := make([]float64, 0, len(drafts))
	for _, d := range drafts {
		if v := get(d); v.ok {
			vals = append(vals, v.v)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 0 {
		return (vals[mid-1] + vals[mid]) / 2
	}
	return vals[mid]
}
