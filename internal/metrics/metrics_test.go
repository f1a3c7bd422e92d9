package metrics_test

import (
	"strings"
	"testing"

	"github.com/tripwire/sentineld/internal/metrics"
)

type fakePQ struct{ size int }

func (f fakePQ) Size() int { return f.size }

func TestSnapReadsCountersAndPQSize(t *testing.T) {
	var s metrics.Stats
	s.Images.Add(3)
	s.PQMiss.Add(1)

	snap := s.Snap(fakePQ{size: 7})
	if snap.Images != 3 {
		t.Errorf("Images = %d, want 3", snap.Images)
	}
	if snap.PQMiss != 1 {
		t.Errorf("PQMiss = %d, want 1", snap.PQMiss)
	}
	if snap.PQSize != 7 {
		t.Errorf("PQSize = %d, want 7", snap.PQSize)
	}
}

func TestPrometheusFormatsAllFields(t *testing.T) {
	var s metrics.Stats
	s.OOMs.Add(2)
	snap := s.Snap(fakePQ{size: 0})
	out := metrics.Prometheus(snap)
	if !strings.Contains(out, "sentineld_ooms 2") {
		t.Errorf("expected sentineld_ooms 2 in output, got:\n%s", out)
	}
	if !strings.Contains(out, "sentineld_pqsize 0") {
		t.Errorf("expected sentineld_pqsize present, got:\n%s", out)
	}
}
