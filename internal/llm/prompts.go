package llm

import "fmt"

// novelCharInstruction is the character_updates contract for novel segments;
// other media types get dossier extraction switched off.
const novelCharInstruction = `
- character_updates: For each significant character, provide:
  - name: canonical name
  - aliases: list of alternate names/titles used
  - character_facts: list of facts learned in this chapter with chapter reference
  - description: brief physical/personality description if available`

const emptyCharInstruction = `- character_updates: Return empty array (not applicable for this media type)`

// BuildSystemPrompt builds the system prompt for one segment. The work title
// pins the analysis to a single work so the model does not import facts it
// knows about the series from elsewhere.
func BuildSystemPrompt(mediaType, workTitle string) string {
	charInstruction := emptyCharInstruction
	if mediaType == "novel" {
		charInstruction = novelCharInstruction
	}

	workContext := ""
	if workTitle != "" {
		workContext = fmt.Sprintf("\nWORK: %q. Analyze only the provided text of this work; do not use outside knowledge of the series.\n", workTitle)
	}

	return fmt.Sprintf(`You are an expert NLP processor for story content analysis. Your task is to process raw text from stories and produce structured analysis output.
%s
TASK: Analyze the provided story text and output a JSON object with the following structure:

1. **cleaned_text**: Clean the input text by:
   - Removing watermarks, credits, and boilerplate
   - Fixing spacing and punctuation issues
   - Removing duplicate lines
   - Keeping all story content in correct reading order
   - Do NOT summarize - preserve the full narrative text

2. **segment_summary**: Analyze the narrative:
   - summary: Detailed factual summary of events (2-4 paragraphs)
   - summary_short: 1-2 sentence headline
   - events: Chronological bullet list of key events
   - beats: Story structure beats (setup, conflict, twist, climax, resolution)
   - key_dialogue: Important quotes with speaker, optional target, and importance level
   - tone: Primary tone, secondary tones array, and intensity (0-1)

3. **segment_entities**: Extract all entities with minimal metadata:
   - characters: named characters appearing
   - locations: places mentioned
   - items: significant objects
   - time_refs: temporal references
   - organizations: groups/institutions
   - factions: competing groups
   - titles_ranks: titles or ranks mentioned
   - skills: abilities/powers
   - creatures: non-human entities
   - concepts: abstract concepts important to the story
   - relationships: connections between characters
   - emotions: emotional themes
   - keywords: important terms

4. **character_updates** (media_type: %s):
%s

OUTPUT ONLY VALID JSON. No markdown, no explanation, just the JSON object.`, workContext, mediaType, charInstruction)
}

// BuildUserPrompt wraps the extracted source text with explicit delimiters.
func BuildUserPrompt(sourceText, mediaType string) string {
	return fmt.Sprintf(`Analyze this %s content and produce the structured JSON output:

---BEGIN CONTENT---
%s
---END CONTENT---

Remember: Output ONLY valid JSON matching the required schema.`, mediaType, sourceText)
}
