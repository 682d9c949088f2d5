package nlppack

import (
	"fmt"
	"strings"
)

// maxRepairEchoChars bounds how much of the invalid response is echoed back
// in the repair prompt.
const maxRepairEchoChars = 12000

// BuildRepairPrompt asks the model to correct an invalid response. One repair
// round-trip is permitted per job; the prompt carries the invalid text and
// the validation error so the model fixes rather than regenerates.
func BuildRepairPrompt(invalid string, issue error) string {
	invalid = strings.TrimSpace(invalid)
	if len(invalid) > maxRepairEchoChars {
		invalid = invalid[:maxRepairEchoChars] + "\n...[truncated]"
	}
	return fmt.Sprintf(`Your previous response was not a valid analysis document.

Validation error:
%v

Your previous response:
%s

Return the corrected document. OUTPUT ONLY VALID JSON. No markdown fences, no explanation, just the JSON object.`, issue, invalid)
}
