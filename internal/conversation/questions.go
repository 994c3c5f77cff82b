package conversation

import "strings"

// fallbackQuestion is used only when both the proposal and the bank are empty.
const fallbackQuestion = "Can you tell me anything else about it?"

// DefaultQuestionBank returns the built-in clarifying questions, in the order
// they are offered when a proposed question repeats.
func DefaultQuestionBank() []string {
	return []string{
		"Do you remember any of the lyrics, even a few words?",
		"Roughly when do you think it came out?",
		"Was it sung by a man, a woman, or a group?",
		"Where did you hear it? A movie, an ad, the radio?",
		"What genre or mood did it have?",
		"Can you hum the part you remember best?",
		"Do you remember anything about the artist or the music video?",
	}
}

// normalizeQuestion trims whitespace and collapses internal runs of spaces,
// keeping the original casing for display.
func normalizeQuestion(q string) string {
	return strings.Join(strings.Fields(q), " ")
}
