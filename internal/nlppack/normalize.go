package nlppack

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chapterbridge/nlp-worker/internal/characters"
	"github.com/chapterbridge/nlp-worker/internal/models"
)

// FromResponse turns raw model text into a validated document. It recovers
// the JSON object from fenced or prose-wrapped replies, coerces loose typing,
// and validates against the output schema.
func FromResponse(text string) (*Document, error) {
	raw, err := ParseResponse(text)
	if err != nil {
		return nil, err
	}
	return ValidateAndNormalize(raw)
}

// ValidateAndNormalize coerces a parsed model response into the canonical
// document shape and validates the result. Missing or null substructure
// becomes empty objects and arrays, scalars in list positions become
// single-element arrays, and character updates are filtered down to entries
// with a usable name. Normalization is idempotent: feeding a document's own
// encoding back in yields the same document.
func ValidateAndNormalize(data []byte) (*Document, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("model output is not a JSON object: %w", err)
	}

	doc := &Document{
		CleanedText:      asString(root["cleaned_text"]),
		Summary:          normalizeSummary(asObject(root["segment_summary"])),
		Entities:         normalizeEntities(asObject(root["segment_entities"])),
		CharacterUpdates: normalizeCharacterUpdates(root["character_updates"]),
	}

	if strings.TrimSpace(doc.Summary.Summary) == "" {
		return nil, errors.New("segment_summary.summary is empty")
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func normalizeSummary(obj map[string]json.RawMessage) Summary {
	return Summary{
		Summary:      asString(obj["summary"]),
		SummaryShort: asString(obj["summary_short"]),
		Events:       asStringList(obj["events"]),
		Beats:        normalizeBeats(obj["beats"]),
		KeyDialogue:  normalizeDialogue(obj["key_dialogue"]),
		Tone:         normalizeTone(asObject(obj["tone"])),
	}
}

func normalizeBeats(raw json.RawMessage) []Beat {
	beats := []Beat{}
	for _, elem := range asArray(raw) {
		var s string
		if err := json.Unmarshal(elem, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				beats = append(beats, Beat{Description: s})
			}
			continue
		}
		obj := asObject(elem)
		if len(obj) == 0 {
			continue
		}
		beat := Beat{
			Type:        asString(obj["type"]),
			Description: asString(obj["description"]),
		}
		if beat.Type == "" && beat.Description == "" {
			continue
		}
		beats = append(beats, beat)
	}
	return beats
}

func normalizeDialogue(raw json.RawMessage) []DialogueLine {
	lines := []DialogueLine{}
	for _, elem := range asArray(raw) {
		var s string
		if err := json.Unmarshal(elem, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				lines = append(lines, DialogueLine{Text: s})
			}
			continue
		}
		obj := asObject(elem)
		text := asString(obj["text"])
		if text == "" {
			text = asString(obj["quote"])
		}
		if text == "" {
			continue
		}
		lines = append(lines, DialogueLine{
			Speaker:    asString(obj["speaker"]),
			Text:       text,
			To:         asString(obj["to"]),
			Importance: asString(obj["importance"]),
		})
	}
	return lines
}

func normalizeTone(obj map[string]json.RawMessage) Tone {
	intensity := asNumber(obj["intensity"])
	if intensity < 0 {
		intensity = 0
	}
	if intensity > 1 {
		intensity = 1
	}
	return Tone{
		Primary:   asString(obj["primary"]),
		Secondary: asStringList(obj["secondary"]),
		Intensity: intensity,
	}
}

func normalizeEntities(obj map[string]json.RawMessage) Entities {
	out := make(Entities, len(models.EntityFields))
	for _, field := range models.EntityFields {
		out[field] = normalizeArray(obj[field])
	}
	return out
}

// normalizeArray coerces one entity field into a compact JSON array.
func normalizeArray(raw json.RawMessage) json.RawMessage {
	elems := asArray(raw)
	out, err := json.Marshal(elems)
	if err != nil {
		return json.RawMessage("[]")
	}
	return out
}

func normalizeCharacterUpdates(raw json.RawMessage) []models.CharacterUpdate {
	updates := []models.CharacterUpdate{}
	for _, elem := range asArray(raw) {
		obj := asObject(elem)
		if len(obj) == 0 {
			continue
		}
		name := strings.TrimSpace(asString(obj["name"]))
		if name == "" || characters.IsGenericName(name) {
			continue
		}
		updates = append(updates, models.CharacterUpdate{
			Name:           name,
			Aliases:        asStringList(obj["aliases"]),
			CharacterFacts: normalizeFacts(obj),
			Description:    strings.TrimSpace(asString(obj["description"])),
		})
	}
	return updates
}

// normalizeFacts reads facts from character_facts, falling back to the bare
// facts key some model replies use. Entries may be plain strings or objects;
// models.CharacterFact absorbs both.
func normalizeFacts(obj map[string]json.RawMessage) []models.CharacterFact {
	raw, ok := obj["character_facts"]
	if !ok || isNull(raw) {
		raw = obj["facts"]
	}
	facts := []models.CharacterFact{}
	for _, elem := range asArray(raw) {
		var f models.CharacterFact
		if err := json.Unmarshal(elem, &f); err != nil {
			continue
		}
		if strings.TrimSpace(f.Fact) == "" {
			continue
		}
		facts = append(facts, f)
	}
	return facts
}

func isNull(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

// asObject decodes a raw value as an object, coercing null, absent, and
// non-object values to an empty map.
func asObject(raw json.RawMessage) map[string]json.RawMessage {
	if isNull(raw) {
		return map[string]json.RawMessage{}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return map[string]json.RawMessage{}
	}
	return obj
}

// asArray decodes a raw value into array elements. Null and absent values
// yield no elements; a scalar or object yields itself as the only element.
func asArray(raw json.RawMessage) []json.RawMessage {
	if isNull(raw) {
		return []json.RawMessage{}
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err == nil {
		if elems == nil {
			elems = []json.RawMessage{}
		}
		return elems
	}
	return []json.RawMessage{raw}
}

// asString renders a JSON scalar as text. Strings decode, numbers and bools
// format, anything else is empty.
func asString(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n == float64(int64(n)) {
			return strconv.FormatInt(int64(n), 10)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return ""
}

func asNumber(raw json.RawMessage) float64 {
	if isNull(raw) {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, perr := strconv.ParseFloat(strings.TrimSpace(s), 64); perr == nil {
			return v
		}
	}
	return 0
}

func asStringList(raw json.RawMessage) []string {
	out := []string{}
	for _, elem := range asArray(raw) {
		if s := strings.TrimSpace(asString(elem)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
