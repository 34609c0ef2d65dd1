package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// The collectors live on the default registry, which is what promhttp
// serves in every binary; a collector missing from a gather means the
// counters it backs are invisible to scrapes.
func TestCollectorsGatherFromDefaultRegistry(t *testing.T) {
	JobsProcessed.WithLabelValues("extract", "ok").Inc()
	RowsProcessed.WithLabelValues("extract").Add(10)
	Retries.WithLabelValues("pipeline.extract").Inc()
	DeadLetters.WithLabelValues("pipeline.extract", "EXHAUSTED_RETRIES").Inc()
	SchedulesFired.Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := make(map[string]bool, len(families))
	for _, mf := range families {
		got[mf.GetName()] = true
	}

	want := []string{
		"crashlake_jobs_processed_total",
		"crashlake_rows_processed_total",
		"crashlake_message_retries_total",
		"crashlake_dead_letters_total",
		"crashlake_schedules_fired_total",
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("metric family %s not gatherable from the default registry", name)
		}
	}
}
