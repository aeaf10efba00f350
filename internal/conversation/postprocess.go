package conversation

import "strings"

// CorrectionMarker separates the conversational reply prefix from the
// grammar-correction suffix in assistant replies. The literal must match
// what the system instruction asks the model to emit.
const CorrectionMarker = "✏️ Correction:"

// NormalizeReply converts escaped newline sequences the model emits as
// literal text into real newlines and trims surrounding whitespace.
func NormalizeReply(raw string) string {
	return strings.TrimSpace(strings.ReplaceAll(raw, `\n`, "\n"))
}

// ClassifyReply returns CORRECTION iff the final text contains the
// correction marker.
func ClassifyReply(text string) Kind {
	if strings.Contains(text, CorrectionMarker) {
		return KindCorrection
	}
	return KindNormal
}

// VocalizationText returns the part of an assistant reply sent to speech
// output: the whole text for NORMAL replies, and only the trimmed prefix
// before the marker for CORRECTION replies. The correction itself is
// shown, never spoken.
func VocalizationText(text string, kind Kind) string {
	if kind != KindCorrection {
		return text
	}
	idx := strings.Index(text, CorrectionMarker)
	if idx < 0 {
		return text
	}
	return strings.TrimSpace(text[:idx])
}
