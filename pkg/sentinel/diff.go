package sentinel

import (
	"time"

	"github.com/tokengate/tokengate/pkg/hostapi"
)

const (
	// typingMaxChars is the largest insertion still attributed to a
	// human keystroke (a character, or a bracket pair from auto-close).
	typingMaxChars = 2

	generatedMinChars = 10
	generatedMinLines = 2
)

// diffClassifier decides whether a document change looks like an
// accepted model suggestion rather than typing. Typing is tracked so a
// large insertion landing right after a keystroke (paste, snippet
// expansion) is not billed.
type diffClassifier struct {
	keystrokeWindow time.Duration
	lastKeystroke   time.Time
	now             func() time.Time
}

func newDiffClassifier(keystrokeWindow time.Duration) *diffClassifier {
	return &diffClassifier{keystrokeWindow: keystrokeWindow, now: time.Now}
}

// Classify reports whether the change should count as generated output.
// Small edits update the keystroke clock and are never billed.
func (d *diffClassifier) Classify(change hostapi.DocumentChange) bool {
	at := change.At
	if at.IsZero() {
		at = d.now()
	}

	if len(change.Text) <= typingMaxChars {
		d.lastKeystroke = at
		return false
	}

	if len(change.Text) < generatedMinChars && change.Lines < generatedMinLines {
		return false
	}

	if !d.lastKeystroke.IsZero() && at.Sub(d.lastKeystroke) < d.keystrokeWindow {
		return false
	}
	return true
}
