package activity

import (
	"testing"
	"time"
)

// advance drives the state machine with `speech` for dur at a 16 ms tick rate,
// starting at start, and returns the accumulated event counts plus the clock
// after the last tick.
func advance(t *testing.T, v *vadState, speech bool, start time.Time, dur time.Duration) (started, ended int, now time.Time) {
	t.Helper()
	const tick = 16 * time.Millisecond
	now = start
	for elapsed := time.Duration(0); elapsed < dur; elapsed += tick {
		s, e := v.observe(speech, now, 600*time.Millisecond, 200*time.Millisecond)
		if s {
			started++
		}
		if e {
			ended++
		}
		now = now.Add(tick)
	}
	return started, ended, now
}

func TestVADState_SpeechThenSilenceEmitsOneEnd(t *testing.T) {
	t.Parallel()

	v := &vadState{}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	started, ended, now := advance(t, v, true, base, 300*time.Millisecond)
	if started != 1 {
		t.Errorf("SpeechStarted count = %d, want 1", started)
	}
	if ended != 0 {
		t.Errorf("SpeechEnded during speech = %d, want 0", ended)
	}

	_, ended, _ = advance(t, v, false, now, 800*time.Millisecond)
	if ended != 1 {
		t.Errorf("SpeechEnded after long silence = %d, want exactly 1", ended)
	}
}

func TestVADState_ShortNoiseIsSwallowed(t *testing.T) {
	t.Parallel()

	v := &vadState{}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// 150 ms blip, below the 200 ms minimum speech duration.
	_, _, now := advance(t, v, true, base, 150*time.Millisecond)
	_, ended, _ := advance(t, v, false, now, time.Second)
	if ended != 0 {
		t.Errorf("SpeechEnded for a %dms blip = %d, want 0", 150, ended)
	}
}

func TestVADState_MicroPauseDoesNotEndTurn(t *testing.T) {
	t.Parallel()

	v := &vadState{}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	started, _, now := advance(t, v, true, base, 300*time.Millisecond)
	if started != 1 {
		t.Fatalf("SpeechStarted count = %d, want 1", started)
	}

	// 400 ms pause, under the 600 ms silence threshold.
	_, ended, now := advance(t, v, false, now, 400*time.Millisecond)
	if ended != 0 {
		t.Fatalf("SpeechEnded during micro-pause = %d, want 0", ended)
	}

	// Speech resumes: same segment, no second SpeechStarted.
	started, _, now = advance(t, v, true, now, 300*time.Millisecond)
	if started != 0 {
		t.Errorf("SpeechStarted after micro-pause = %d, want 0", started)
	}

	// Real silence finally ends the turn once.
	_, ended, _ = advance(t, v, false, now, time.Second)
	if ended != 1 {
		t.Errorf("SpeechEnded after real silence = %d, want 1", ended)
	}
}

func TestVADState_NewSegmentAfterEnd(t *testing.T) {
	t.Parallel()

	v := &vadState{}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, _, now := advance(t, v, true, base, 300*time.Millisecond)
	_, ended, now := advance(t, v, false, now, time.Second)
	if ended != 1 {
		t.Fatalf("first segment SpeechEnded = %d, want 1", ended)
	}

	started, _, now := advance(t, v, true, now, 300*time.Millisecond)
	if started != 1 {
		t.Errorf("second segment SpeechStarted = %d, want 1", started)
	}
	_, ended, _ = advance(t, v, false, now, time.Second)
	if ended != 1 {
		t.Errorf("second segment SpeechEnded = %d, want 1", ended)
	}
}

func TestVADState_PureSilenceEmitsNothing(t *testing.T) {
	t.Parallel()

	v := &vadState{}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	started, ended, _ := advance(t, v, false, base, 5*time.Second)
	if started != 0 || ended != 0 {
		t.Errorf("events during pure silence: started=%d ended=%d, want 0/0", started, ended)
	}
}

func TestAnalyser_SilenceProducesMinBars(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	a := newAnalyser(cfg)

	bars, avg := a.analyse(make([]int16, cfg.FFTSize))
	if len(bars) != cfg.Bands {
		t.Fatalf("len(bars) = %d, want %d", len(bars), cfg.Bands)
	}
	for i, b := range bars {
		if b != cfg.MinBarHeight {
			t.Errorf("bars[%d] = %.2f, want %.2f for silence", i, b, cfg.MinBarHeight)
		}
	}
	if avg != cfg.MinBarHeight {
		t.Errorf("avg = %.2f, want %.2f", avg, cfg.MinBarHeight)
	}
}

func TestAnalyser_LoudNoiseExceedsSpeechThreshold(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	a := newAnalyser(cfg)

	// Deterministic broadband noise at roughly half scale, speech-like in
	// that it excites every band, unlike a pure tone.
	noise := make([]int16, cfg.FFTSize)
	seed := uint64(0x9e3779b97f4a7c15)
	for i := range noise {
		seed = seed*6364136223846793005 + 1442695040888963407
		noise[i] = int16(seed >> 48) // full-range pseudo-random sample
	}

	// Feed several frames so the smoothing converges.
	var avg float64
	var bars []float64
	for i := 0; i < 20; i++ {
		bars, avg = a.analyse(noise)
	}

	if avg <= cfg.SpeechThreshold {
		t.Errorf("avg for loud noise = %.2f, want > threshold %.2f", avg, cfg.SpeechThreshold)
	}
	for i, b := range bars {
		if b < cfg.MinBarHeight || b > cfg.MaxBarHeight {
			t.Errorf("bars[%d] = %.2f out of range [%.1f, %.1f]", i, b, cfg.MinBarHeight, cfg.MaxBarHeight)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	bad := Config{FFTSize: 1000}.withDefaults() // not a power of two
	if err := bad.validate(); err == nil {
		t.Error("validate() accepted non-power-of-two fft_size")
	}

	good := Config{}.withDefaults()
	if err := good.validate(); err != nil {
		t.Errorf("validate() rejected defaults: %v", err)
	}
}
