// Package voicecmd implements spoken command detection on recognizer finals.
//
// Final transcripts are checked against a small built-in phrase set ("end the
// call", "mute my microphone", ...) before they are sent to the remote agent,
// so the user can control the call hands-free. Matching is fuzzy: each
// normalized transcript is scored against every command phrase with
// Jaro-Winkler similarity, tolerating the small recognition errors STT
// introduces ("and the call" still ends the call). Ordinary conversation
// sentences score well below the threshold and pass through untouched.
package voicecmd

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// defaultThreshold is the minimum Jaro-Winkler score for a transcript to
// count as a command phrase.
const defaultThreshold = 0.88

// Command identifies the action a transcript asked for.
type Command int

const (
	// CommandNone: the transcript is ordinary speech.
	CommandNone Command = iota
	// CommandEndCall ends the active call.
	CommandEndCall
	// CommandMute mutes the microphone.
	CommandMute
	// CommandUnmute unmutes the microphone.
	CommandUnmute
)

// String returns a readable name for logging.
func (c Command) String() string {
	switch c {
	case CommandEndCall:
		return "end_call"
	case CommandMute:
		return "mute"
	case CommandUnmute:
		return "unmute"
	default:
		return "none"
	}
}

// Option is a functional option for configuring a [Filter].
type Option func(*Filter)

// WithThreshold sets the minimum Jaro-Winkler score required for a match.
// Default: 0.88.
func WithThreshold(threshold float64) Option {
	return func(f *Filter) {
		f.threshold = threshold
	}
}

type phrase struct {
	text    string
	command Command
}

// Filter matches final transcripts against the built-in command phrases.
// All methods are safe for concurrent use; the Filter is read-only after
// construction.
type Filter struct {
	threshold float64
	phrases   []phrase
}

// New returns a Filter with the built-in phrase set.
func New(opts ...Option) *Filter {
	f := &Filter{
		threshold: defaultThreshold,
		phrases: []phrase{
			{"end the call", CommandEndCall},
			{"end call", CommandEndCall},
			{"hang up", CommandEndCall},
			{"stop the call", CommandEndCall},
			{"mute my microphone", CommandMute},
			{"mute the microphone", CommandMute},
			{"mute my mic", CommandMute},
			{"unmute my microphone", CommandUnmute},
			{"unmute the microphone", CommandUnmute},
			{"unmute my mic", CommandUnmute},
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Match scores text against every command phrase and returns the matching
// command, or CommandNone when nothing scores at or above the threshold.
func (f *Filter) Match(text string) Command {
	norm := normalize(text)
	if norm == "" {
		return CommandNone
	}

	best := CommandNone
	bestScore := f.threshold
	for _, p := range f.phrases {
		score := matchr.JaroWinkler(norm, p.text, true)
		if score >= bestScore {
			best = p.command
			bestScore = score
		}
	}
	return best
}

// normalize lowercases and strips everything but letters, digits, and single
// spaces, so punctuation added by the recognizer never defeats a match.
func normalize(text string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) && !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}
