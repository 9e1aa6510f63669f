package cheetah

import (
	"testing"

	"github.com/nishisan-dev/eventem-go/internal/decoder"
)

func TestPatternDecoder_ProbePositionFromPattern(t *testing.T) {
	var got []decoder.Event
	pattern := []uint64{40, 41, 42, 43}
	d := NewPattern(PatternConfig{NX: 2, NY: 2, Rep: 1, Pattern: pattern}, nil, decoder.SinkFunc(func(ev decoder.Event) {
		got = append(got, ev)
	}))

	// Events land between a rise and its matching fall, so the first event
	// sees probeCount=0 (pattern[0]) and the second, after one fall has
	// incremented it, sees probeCount=1 (pattern[1]).
	words := []uint64{
		headerWord(0),
		tdcWord(tdcKindRise, 0),
		eventWord(1000, 0),
		tdcWord(tdcKindFall, 500),
		headerWord(0),
		tdcWord(tdcKindRise, 1000),
		eventWord(2000, 0),
		tdcWord(tdcKindFall, 1500),
	}
	for _, w := range words {
		d.decodeOne(w)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].ProbePosition != pattern[0] {
		t.Fatalf("expected first event at pattern[0]=%d, got %d", pattern[0], got[0].ProbePosition)
	}
	if got[1].ProbePosition != pattern[1] {
		t.Fatalf("expected second event at pattern[1]=%d, got %d", pattern[1], got[1].ProbePosition)
	}
}

func TestPatternDecoder_EventsDroppedBeforeFirstRise(t *testing.T) {
	var got []decoder.Event
	d := NewPattern(PatternConfig{NX: 2, NY: 2, Rep: 1, Pattern: []uint64{0, 1, 2, 3}}, nil, decoder.SinkFunc(func(ev decoder.Event) {
		got = append(got, ev)
	}))
	d.decodeOne(headerWord(0))
	d.decodeOne(eventWord(1000, 0))
	if len(got) != 0 {
		t.Fatalf("expected events before any rise/fall to be dropped, got %d", len(got))
	}
}

func TestPatternDecoder_CurrentLineAdvancesOnAgreedFall(t *testing.T) {
	d := NewPattern(PatternConfig{NX: 2, NY: 4, Rep: 1, Pattern: make([]uint64, 8)}, nil, decoder.SinkFunc(func(decoder.Event) {}))

	if d.CurrentLine() != 0 {
		t.Fatalf("expected currentLine 0 before any falls, got %d", d.CurrentLine())
	}

	words := []uint64{
		headerWord(0),
		tdcWord(tdcKindRise, 0),
		tdcWord(tdcKindFall, 100),
		headerWord(0),
		tdcWord(tdcKindRise, 200),
		tdcWord(tdcKindFall, 300),
	}
	for _, w := range words {
		d.decodeOne(w)
	}

	if d.CurrentLine() != 1 {
		t.Fatalf("expected currentLine 1 after two probes on chip 0 (nx=2), got %d", d.CurrentLine())
	}
}

func TestPatternDecoder_ReachedRepetitions(t *testing.T) {
	d := NewPattern(PatternConfig{NX: 2, NY: 2, Rep: 1, Pattern: []uint64{0, 1, 2, 3}}, nil, decoder.SinkFunc(func(decoder.Event) {}))

	words := []uint64{headerWord(0)}
	for i := 0; i < 4; i++ {
		ts := uint64(100 * (i + 1))
		words = append(words, tdcWord(tdcKindRise, ts), tdcWord(tdcKindFall, ts+50))
	}
	for _, w := range words {
		d.decodeOne(w)
	}

	if !d.ReachedRepetitions() {
		t.Fatal("expected repetitions reached after nx*ny*rep=4 probes on one chip")
	}
}

// End-of-image detection only runs on the "most advanced chip" path, which
// requires at least one other chip to have reported fewer probes: a single
// active chip always takes the agreed-line fast path instead. Chip 1 fires
// once to give chip 0 something to outrun, then chip 0 completes a full
// nx*ny cycle on its own.
func TestPatternDecoder_EndOfImageCallback(t *testing.T) {
	var endedImages []int
	d := NewPattern(PatternConfig{NX: 2, NY: 2, Rep: 2, Pattern: []uint64{0, 1, 2, 3}}, nil, decoder.SinkFunc(func(decoder.Event) {}))
	d.OnEndOfImage = func(img int) { endedImages = append(endedImages, img) }

	words := []uint64{
		headerWord(1),
		tdcWord(tdcKindRise, 0),
		tdcWord(tdcKindFall, 50),
	}
	for i := 0; i < 4; i++ {
		ts := uint64(100 * (i + 1))
		words = append(words, headerWord(0), tdcWord(tdcKindRise, ts), tdcWord(tdcKindFall, ts+50))
	}
	for _, w := range words {
		d.decodeOne(w)
	}

	if len(endedImages) != 1 || endedImages[0] != 1 {
		t.Fatalf("expected one end-of-image callback for image 1, got %v", endedImages)
	}
}
