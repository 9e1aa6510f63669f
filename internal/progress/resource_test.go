package progress

import "testing"

func TestNewResourceSampler(t *testing.T) {
	s, err := NewResourceSampler()
	if err != nil {
		t.Fatalf("NewResourceSampler: %v", err)
	}
	s.sampleOnce()
	latest := s.Latest()
	if latest.At.IsZero() {
		t.Fatal("expected a non-zero sample timestamp after sampling")
	}
}
