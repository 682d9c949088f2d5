package storage

import "fmt"

// BuildCleanedTextKey returns the deterministic derived-asset key for a
// segment's cleaned text:
//
//	derived/{media_type}/{work_id}/{edition_id}/{segment_type}-{NNNN}/cleaned.txt
//
// The segment number is truncated to its integer part and zero-padded to four
// digits, so re-running a segment always lands on the same key.
func BuildCleanedTextKey(mediaType, workID, editionID, segmentType string, number float64) string {
	return fmt.Sprintf("derived/%s/%s/%s/%s-%04d/cleaned.txt",
		mediaType, workID, editionID, segmentType, int(number))
}
