package characters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chapterbridge/nlp-worker/internal/models"
)

// ErrDuplicate is returned by Store.Insert when the (work_id, lower(name))
// unique constraint rejects the row. The merger re-reads the dossier and
// applies the update to the row that won the race.
var ErrDuplicate = errors.New("character already exists")

// maxDuplicateRetries bounds the re-read-and-merge loop when two workers race
// on inserting the same character.
const maxDuplicateRetries = 3

// Store is the slice of the character repository the merge engine needs.
type Store interface {
	ListByWork(ctx context.Context, workID uuid.UUID) ([]models.Character, error)
	Insert(ctx context.Context, ch *models.Character) (*models.Character, error)
	Update(ctx context.Context, id uuid.UUID, aliases []string, facts []models.CharacterFact, description, modelVersion string) error
}

// Stats counts the outcome of one batch of character updates.
type Stats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Merger applies model character updates to a work's dossier
type Merger struct {
	store Store
}

// NewMerger creates a merge engine over the given character store.
func NewMerger(store Store) *Merger {
	return &Merger{store: store}
}

// ProcessUpdates merges one segment's character updates into the work dossier.
// Dossier extraction only applies to novels; for any other media type every
// update is counted as skipped. Store failures abort the batch and surface to
// the job boundary; the returned stats cover whatever was applied before.
func (m *Merger) ProcessUpdates(ctx context.Context, workID uuid.UUID, mediaType string, updates []models.CharacterUpdate, segmentNumber int, modelVersion string) (Stats, error) {
	stats := Stats{}

	if mediaType != "novel" {
		log.Info().
			Str("media_type", mediaType).
			Msg("Skipping character updates (novel only)")
		stats.Skipped = len(updates)
		return stats, nil
	}
	if len(updates) == 0 {
		return stats, nil
	}

	chars, err := m.store.ListByWork(ctx, workID)
	if err != nil {
		return stats, fmt.Errorf("failed to list work characters: %w", err)
	}

	sourceID := fmt.Sprintf("segment_%d", segmentNumber)

	for _, update := range updates {
		name := strings.TrimSpace(update.Name)
		if name == "" {
			stats.Skipped++
			continue
		}

		inserted, err := m.applyUpdate(ctx, workID, &chars, update, segmentNumber, sourceID, modelVersion)
		if err != nil {
			return stats, err
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}

	log.Info().
		Int("inserted", stats.Inserted).
		Int("updated", stats.Updated).
		Int("skipped", stats.Skipped).
		Msg("Character updates complete")

	return stats, nil
}

// applyUpdate merges one update into the dossier. When the insert path loses
// a unique-constraint race against another worker, the dossier is re-read and
// the update replays as a merge into the winning row.
func (m *Merger) applyUpdate(ctx context.Context, workID uuid.UUID, chars *[]models.Character, update models.CharacterUpdate, segmentNumber int, sourceID, modelVersion string) (inserted bool, err error) {
	name := strings.TrimSpace(update.Name)
	description := strings.TrimSpace(update.Description)

	for attempt := 0; attempt < maxDuplicateRetries; attempt++ {
		if existing := findExisting(*chars, name, update.Aliases); existing != nil {
			mergedAliases := mergeAliases(existing.Aliases, update.Aliases, existing.Name)
			mergedFacts := mergeFacts(existing.CharacterFacts, update.CharacterFacts, segmentNumber, sourceID)

			newDescription := existing.Description
			if shouldUpdateDescription(newDescription, description) {
				newDescription = description
			}

			if err := m.store.Update(ctx, existing.ID, mergedAliases, mergedFacts, newDescription, modelVersion); err != nil {
				return false, fmt.Errorf("failed to update character %q: %w", name, err)
			}

			existing.Aliases = mergedAliases
			existing.CharacterFacts = mergedFacts
			existing.Description = newDescription

			log.Debug().
				Str("name", name).
				Int("aliases", len(mergedAliases)).
				Int("facts", len(mergedFacts)).
				Msg("Updated character")
			return false, nil
		}

		newChar := &models.Character{
			WorkID:         workID,
			Name:           name,
			Aliases:        mergeAliases(nil, update.Aliases, name),
			CharacterFacts: mergeFacts(nil, update.CharacterFacts, segmentNumber, sourceID),
			ModelVersion:   modelVersion,
		}
		if !isBoilerplateDescription(description) {
			newChar.Description = description
		}

		created, err := m.store.Insert(ctx, newChar)
		if err == nil {
			*chars = append(*chars, *created)
			log.Debug().Str("name", name).Msg("Inserted new character")
			return true, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return false, fmt.Errorf("failed to insert character %q: %w", name, err)
		}

		// Lost the insert race. Reload the dossier so the next pass finds
		// the row the other worker created.
		log.Warn().
			Str("name", name).
			Int("attempt", attempt+1).
			Msg("Character insert hit unique constraint, re-reading dossier")
		fresh, lerr := m.store.ListByWork(ctx, workID)
		if lerr != nil {
			return false, fmt.Errorf("failed to re-read work characters: %w", lerr)
		}
		*chars = fresh
	}

	return false, fmt.Errorf("character %q: duplicate-key retries exhausted after %d attempts", name, maxDuplicateRetries)
}

// findExisting matches an update against the dossier by normalized name or
// alias in either direction. First match wins, in dossier order.
func findExisting(chars []models.Character, name string, aliases []string) *models.Character {
	searchTerms := map[string]struct{}{}
	if n := NormalizeName(name); n != "" {
		searchTerms[n] = struct{}{}
	}
	for _, alias := range aliases {
		if n := NormalizeName(alias); n != "" {
			searchTerms[n] = struct{}{}
		}
	}

	for i := range chars {
		c := &chars[i]
		if _, ok := searchTerms[NormalizeName(c.Name)]; ok {
			return c
		}
		for _, alias := range c.Aliases {
			if _, ok := searchTerms[NormalizeName(alias)]; ok {
				return c
			}
		}
	}
	return nil
}

// mergeAliases unions two alias lists, deduplicating by normalized form while
// preserving the first-seen casing. The canonical name never appears in the
// alias list.
func mergeAliases(existing, incoming []string, canonicalName string) []string {
	seen := map[string]struct{}{}
	if n := NormalizeName(canonicalName); n != "" {
		seen[n] = struct{}{}
	}

	result := []string{}
	for _, alias := range append(append([]string{}, existing...), incoming...) {
		trimmed := strings.TrimSpace(alias)
		if trimmed == "" {
			continue
		}
		n := NormalizeName(trimmed)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

// factKey is the dedup key for one fact: normalized text plus the chapter or
// segment reference when the fact carries one.
func factKey(f models.CharacterFact) string {
	n := NormalizeName(f.Fact)
	if n == "" {
		return ""
	}
	if ref := f.Reference(); ref != "" {
		return n + "__ch" + ref
	}
	return n
}

// mergeFacts concatenates existing and new facts, stamping new facts that
// carry no chapter/segment with the current segment number and a source
// marker. Existing facts deduplicate by factKey; incoming facts additionally
// deduplicate by bare normalized text, keyed before stamping, so a fact the
// model restates in a later segment does not pile up under a new segment
// number.
func mergeFacts(existing, incoming []models.CharacterFact, segmentNumber int, sourceID string) []models.CharacterFact {
	seen := map[string]struct{}{}
	seenTexts := map[string]struct{}{}
	result := []models.CharacterFact{}

	keep := func(fact models.CharacterFact, key string) {
		seen[key] = struct{}{}
		if n := NormalizeName(fact.Fact); n != "" {
			seenTexts[n] = struct{}{}
		}
		result = append(result, fact)
	}

	for _, fact := range existing {
		key := factKey(fact)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		keep(fact, key)
	}

	for _, fact := range incoming {
		if strings.TrimSpace(fact.Fact) == "" {
			continue
		}
		key := factKey(fact)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		if _, ok := seenTexts[NormalizeName(fact.Fact)]; ok {
			continue
		}

		if fact.Chapter == "" && fact.Segment == 0 {
			fact.Segment = segmentNumber
		}
		if fact.Source == "" {
			fact.Source = sourceID
		}
		keep(fact, factKey(fact))
	}

	return result
}

// shouldUpdateDescription decides whether an incoming description replaces
// the stored one: yes when the stored one is empty or boilerplate, or when
// the incoming one is substantially longer (>50 chars and >1.5x).
func shouldUpdateDescription(existing, incoming string) bool {
	if NormalizeName(incoming) == "" {
		return false
	}
	if isBoilerplateDescription(incoming) {
		return false
	}
	if NormalizeName(existing) == "" || isBoilerplateDescription(existing) {
		return true
	}

	incomingLen := utf8.RuneCountInString(incoming)
	existingLen := utf8.RuneCountInString(existing)
	return incomingLen > 50 && float64(incomingLen) > float64(existingLen)*1.5
}
