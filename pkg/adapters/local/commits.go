package local

import "strings"

// Trailer marks commits made by staticimp.
const Trailer = "Submitted-via: staticimp"

// appendTrailer appends Trailer to msg, separated by a blank line, unless it
// is already present.
func appendTrailer(msg string) string {
	if strings.Contains(msg, Trailer) {
		return msg
	}
	msg = strings.TrimRight(msg, "\n")
	if msg == "" {
		return Trailer
	}
	return msg + "\n\n" + Trailer
}

// mergeRequestBody formats the commit-style summary stored alongside a
// merge request record.
func mergeRequestBody(title, description string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(title))
	if d := strings.TrimSpace(description); d != "" {
		sb.WriteString("\n\n")
		sb.WriteString(d)
	}
	return sb.String()
}
