package voicecmd

import "testing"

func TestMatch_CommandPhrases(t *testing.T) {
	t.Parallel()

	f := New()

	tests := []struct {
		text string
		want Command
	}{
		{"end the call", CommandEndCall},
		{"End the call.", CommandEndCall},
		// Recognition slips on the leading word still land.
		{"and the call", CommandEndCall},
		{"hang up", CommandEndCall},
		{"stop the call", CommandEndCall},
		{"mute my microphone", CommandMute},
		{"Mute my mic", CommandMute},
		{"unmute my microphone", CommandUnmute},
		{"unmute the microphone", CommandUnmute},
	}
	for _, tt := range tests {
		if got := f.Match(tt.text); got != tt.want {
			t.Errorf("Match(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestMatch_OrdinarySpeechPassesThrough(t *testing.T) {
	t.Parallel()

	f := New()

	for _, text := range []string{
		"I would like a table for two please",
		"quiero una mesa para dos",
		"the weather is really nice today",
		"could you repeat that more slowly",
		"",
		"   ",
	} {
		if got := f.Match(text); got != CommandNone {
			t.Errorf("Match(%q) = %s, want none", text, got)
		}
	}
}

func TestMatch_ThresholdRaisedRejectsFuzzy(t *testing.T) {
	t.Parallel()

	f := New(WithThreshold(0.99))

	if got := f.Match("and the call"); got != CommandNone {
		t.Errorf("Match fuzzy variant with strict threshold = %s, want none", got)
	}
	if got := f.Match("end the call"); got != CommandEndCall {
		t.Errorf("Match exact phrase with strict threshold = %s, want end_call", got)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"  End the CALL!  ", "end the call"},
		{"hang   up...", "hang up"},
		{"¿Qué tal?", "qué tal"},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := normalize(tt.in); got != tt.want {
			t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
