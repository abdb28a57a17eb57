package tasks

import "strings"

// Marker is the state signal the text generator embeds in its reply.
// Generator output is untrusted: the parser accepts exactly one marker
// and refuses everything else.
type Marker string

const (
	MarkerNeedMoreInfo Marker = "[NEED_MORE_INFO]"
	MarkerComplete     Marker = "[REFERRAL_COMPLETE]"
	MarkerFailed       Marker = "[REFERRAL_FAILED]"
)

var allMarkers = []Marker{MarkerNeedMoreInfo, MarkerComplete, MarkerFailed}

// IntendedState maps a marker to the canonical state it proposes.
func (m Marker) IntendedState() State {
	switch m {
	case MarkerNeedMoreInfo:
		return StateInputRequired
	case MarkerComplete:
		return StateCompleted
	case MarkerFailed:
		return StateFailed
	default:
		return StateInputRequired
	}
}

// ParseMarker extracts the single state marker from generated text and
// returns the text with the marker stripped. ok is false when zero or
// more than one marker is present; callers must then fall back to
// input-required rather than trusting the ambiguous output.
func ParseMarker(text string) (marker Marker, clean string, ok bool) {
	found := 0
	for _, m := range allMarkers {
		if n := strings.Count(text, string(m)); n > 0 {
			found += n
			marker = m
		}
	}
	if found != 1 {
		return "", stripMarkers(text), false
	}
	return marker, strings.TrimSpace(strings.ReplaceAll(text, string(marker), "")), true
}

func stripMarkers(text string) string {
	for _, m := range allMarkers {
		text = strings.ReplaceAll(text, string(m), "")
	}
	return strings.TrimSpace(text)
}
