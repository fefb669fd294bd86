// Package progress maps upload milestones to the percentage and status text
// shown to the user. Everything here is a pure function of its arguments.
package progress

import (
	"fmt"
	"math"
	"strings"
)

// Phase is the coarse stage of an upload as seen by the user.
type Phase string

const (
	PhaseInitiating Phase = "initiating"
	PhaseUploading  Phase = "uploading"
	PhaseFinalizing Phase = "finalizing"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
	PhaseAborting   Phase = "aborting"
)

// Event is one progress update.
type Event struct {
	Phase   Phase
	Percent int
	Message string
}

// Percent returns round(100 * n / total), clamped to [0, 100]. A total of
// zero counts as complete.
func Percent(n, total int) int {
	if total <= 0 {
		return 100
	}
	p := int(math.Round(100 * float64(n) / float64(total)))
	return max(0, min(100, p))
}

// Report maps a finished part to the percentage and message shown after it.
func Report(partNumber, totalParts int) (int, string) {
	p := Percent(partNumber, totalParts)
	return p, fmt.Sprintf("Uploaded: %d%%", p)
}

// Starting is the event emitted when part n of total begins. The percent
// still reflects the parts already finished.
func Starting(n, total int) Event {
	return Event{
		Phase:   PhaseUploading,
		Percent: Percent(n-1, total),
		Message: fmt.Sprintf("Uploading part %d of %d...", n, total),
	}
}

// Uploaded is the event emitted when part n of total has been stored.
func Uploaded(n, total int) Event {
	p, msg := Report(n, total)
	return Event{Phase: PhaseUploading, Percent: p, Message: msg}
}

func Initiating() Event {
	return Event{Phase: PhaseInitiating, Percent: 0, Message: "Initiating upload..."}
}

func Finalizing(percent int) Event {
	return Event{Phase: PhaseFinalizing, Percent: percent, Message: "Finalizing upload..."}
}

func Succeeded() Event {
	return Event{Phase: PhaseSucceeded, Percent: 100, Message: "Upload Complete!"}
}

// Failed keeps the last reported percent; only the message matters.
func Failed(percent int, err error) Event {
	msg := "Error"
	if err != nil {
		msg = "Error: " + err.Error()
	}
	return Event{Phase: PhaseFailed, Percent: percent, Message: msg}
}

func Aborting(percent int) Event {
	return Event{Phase: PhaseAborting, Percent: percent, Message: "Aborting upload..."}
}

// Preview returns the placeholder acknowledgment for an uploaded asset of
// the given content type, or "" when there is none.
func Preview(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "Image uploaded."
	case strings.HasPrefix(contentType, "video/"):
		return "Video uploaded. Ready to save."
	default:
		return ""
	}
}
