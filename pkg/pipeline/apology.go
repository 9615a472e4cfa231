package pipeline

import (
	"strings"
)

// Apology is the single user-facing message for a failed run. Only
// validator reasons are quoted; other kinds use fixed wording.
func Apology(e *Error) string {
	var detail string
	switch e.Kind {
	case UnderstandingFailure:
		detail = "I couldn't work out which data your question is asking about."
	case PlanInvalid:
		detail = "I couldn't build a valid query for your question"
		if len(e.Reasons) > 0 {
			detail += ": " + strings.Join(e.Reasons, "; ")
		}
		detail += "."
	default:
		detail = "something went wrong while looking up the data."
	}
	return "I'm sorry, " + detail + " Please try rephrasing your question."
}
