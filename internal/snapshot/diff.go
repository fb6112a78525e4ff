package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// Diff describes the change between two snapshots of the same device.
type Diff struct {
	FromID     uuid.UUID `json:"from_id"`
	ToID       uuid.UUID `json:"to_id"`
	FromSHA256 string    `json:"from_sha256"`
	ToSHA256   string    `json:"to_sha256"`
	Identical  bool      `json:"identical"`
	// Text is a line-oriented patch, empty when the snapshots are identical.
	Text string `json:"text"`
}

// DiffSnapshots renders the line diff between two snapshots. Both snapshots
// must belong to the same device; comparing configs across devices is almost
// always a caller bug.
func (s *Service) DiffSnapshots(ctx context.Context, fromID, toID uuid.UUID) (*Diff, error) {
	from, err := s.snapshots.GetByID(ctx, fromID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load %s: %w", fromID, err)
	}
	to, err := s.snapshots.GetByID(ctx, toID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load %s: %w", toID, err)
	}
	if from.DeviceID != to.DeviceID {
		return nil, fmt.Errorf("snapshot: %s and %s belong to different devices", fromID, toID)
	}

	diff := &Diff{
		FromID:     from.ID,
		ToID:       to.ID,
		FromSHA256: from.ContentSHA256,
		ToSHA256:   to.ContentSHA256,
	}
	if from.ContentSHA256 == to.ContentSHA256 {
		diff.Identical = true
		return diff, nil
	}
	diff.Text = lineDiff(from.Content, to.Content)
	return diff, nil
}

// lineDiff produces a unified-style line diff using the line-mode trick from
// diffmatchpatch: hash lines to runes, diff the rune strings, expand back.
func lineDiff(a, b string) string {
	dmp := diffmatchpatch.New()
	ra, rb, lines := dmp.DiffLinesToRunes(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(ra, rb, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
