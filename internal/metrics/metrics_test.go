package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollectorsAppearInScrape(t *testing.T) {
	m := New()
	m.JobsEnqueued.Inc()
	m.JobsCompleted.Inc()
	m.SendOutcomes.WithLabelValues("discord", "sent").Add(3)
	m.QueueDepth.WithLabelValues("waiting").Set(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`gateway_jobs_enqueued_total 1`,
		`gateway_jobs_completed_total 1`,
		`gateway_send_outcomes_total{platform="discord",status="sent"} 3`,
		`gateway_queue_depth{state="waiting"} 7`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestInstancesAreIsolated(t *testing.T) {
	a, b := New(), New()
	a.JobsFailed.Inc()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(rec.Body.String(), "gateway_jobs_failed_total 1") {
		t.Fatal("instances should not share a registry")
	}
}
