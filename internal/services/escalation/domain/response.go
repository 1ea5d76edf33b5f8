package domain

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ResponseKind is the normalized meaning of a user reply.
type ResponseKind string

const (
	// ResponseDone marks the task complete.
	ResponseDone ResponseKind = "done"
	// ResponseReschedule hands the task to the rescheduling flow.
	ResponseReschedule ResponseKind = "reschedule"
	// ResponseMissed marks the task missed.
	ResponseMissed ResponseKind = "missed"
	// ResponseNoResponse records that the channel ended without an answer.
	ResponseNoResponse ResponseKind = "no_response"
)

// ParseResponseKind validates a stored response kind.
func ParseResponseKind(raw string) (ResponseKind, error) {
	kind := ResponseKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case ResponseDone, ResponseReschedule, ResponseMissed, ResponseNoResponse:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResponse, raw)
}

// TaskStatus returns the status a pending task moves to for k. ok is false for
// kinds that leave the task untouched.
func (k ResponseKind) TaskStatus() (TaskStatus, bool) {
	switch k {
	case ResponseDone:
		return TaskDone, true
	case ResponseMissed:
		return TaskMissed, true
	case ResponseReschedule:
		return TaskRescheduled, true
	}
	return "", false
}

var statusKeywords = map[string]ResponseKind{
	"no_response": ResponseNoResponse,
	"no-response": ResponseNoResponse,
	"timeout":     ResponseNoResponse,
	"expired":     ResponseNoResponse,
}

var pushKeywords = map[string]ResponseKind{
	"done":       ResponseDone,
	"complete":   ResponseDone,
	"completed":  ResponseDone,
	"reschedule": ResponseReschedule,
	"snooze":     ResponseReschedule,
	"later":      ResponseReschedule,
	"missed":     ResponseMissed,
	"skip":       ResponseMissed,
	"dismiss":    ResponseMissed,
}

// Free-text replies, English and Portuguese. Keys are folded and stripped of
// accents, so "Não" matches "nao".
var messageKeywords = map[string]ResponseKind{
	"done":       ResponseDone,
	"yes":        ResponseDone,
	"y":          ResponseDone,
	"ok":         ResponseDone,
	"feito":      ResponseDone,
	"feita":      ResponseDone,
	"sim":        ResponseDone,
	"pronto":     ResponseDone,
	"concluido":  ResponseDone,
	"✅":          ResponseDone,
	"👍":          ResponseDone,
	"reschedule": ResponseReschedule,
	"later":      ResponseReschedule,
	"snooze":     ResponseReschedule,
	"remarcar":   ResponseReschedule,
	"depois":     ResponseReschedule,
	"adiar":      ResponseReschedule,
	"missed":     ResponseMissed,
	"skip":       ResponseMissed,
	"no":         ResponseMissed,
	"n":          ResponseMissed,
	"nao":        ResponseMissed,
	"perdi":      ResponseMissed,
	"pular":      ResponseMissed,
}

// Voice only understands DTMF digits and call status callbacks.
var callKeywords = map[string]ResponseKind{
	"1":         ResponseDone,
	"2":         ResponseMissed,
	"":          ResponseNoResponse,
	"no-answer": ResponseNoResponse,
	"no_answer": ResponseNoResponse,
	"busy":      ResponseNoResponse,
	"failed":    ResponseNoResponse,
}

// MapResponse converts a raw provider payload on channel into a response
// kind. ok is false when the payload is not recognized; callers log it and
// treat it as no response without persisting anything.
func MapResponse(channel Channel, raw string) (kind ResponseKind, ok bool) {
	key := NormalizeReply(raw)
	if kind, ok := statusKeywords[key]; ok {
		return kind, true
	}
	var table map[string]ResponseKind
	switch channel {
	case ChannelPush:
		table = pushKeywords
	case ChannelUrgent:
		table = messageKeywords
	case ChannelCall:
		table = callKeywords
	default:
		return ResponseNoResponse, false
	}
	if key == "" && channel != ChannelCall {
		return ResponseNoResponse, false
	}
	kind, ok = table[key]
	if !ok {
		return ResponseNoResponse, false
	}
	return kind, true
}

// NormalizeReply case-folds raw, strips diacritics, surrounding whitespace and
// trailing punctuation. Only the first word of a multi-word reply counts.
func NormalizeReply(raw string) string {
	stripped, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		raw,
	)
	if err != nil {
		stripped = raw
	}
	folded := cases.Fold().String(stripped)
	fields := strings.Fields(folded)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimFunc(fields[0], func(r rune) bool {
		return unicode.IsPunct(r) && r != '-' && r != '_'
	})
}
