// Package roster turns loosely formatted name lists into students and
// enrollments. Input is one name per line with no fixed schema; lines
// are normalized before matching so repeated imports of the same list
// are harmless.
package roster

import (
	"context"
	"log"
)

// Reason a line was skipped.
const ReasonEmptyOrUnparseable = "empty_or_unparseable"

// SkippedLine records one line the importer could not use.
type SkippedLine struct {
	Line   string `json:"line"`
	Reason string `json:"reason"`
}

// Result is the import manifest.
type Result struct {
	Created int           `json:"created"`
	Matched int           `json:"matched"`
	Skipped []SkippedLine `json:"skipped"`
}

// Store is the persistence surface the importer needs.
type Store interface {
	// StudentIDByName matches case-insensitively against the stored
	// name; returns "" when no student matches.
	StudentIDByName(ctx context.Context, name string) (string, error)
	CreateStudent(ctx context.Context, name string) (string, error)
	// EnsureEnrollment enrolls the student, quietly doing nothing when
	// the enrollment already exists.
	EnsureEnrollment(ctx context.Context, studentID, classID string) error
}

// Importer resolves raw name lines to students.
type Importer struct {
	store Store
}

// NewImporter creates an importer.
func NewImporter(store Store) *Importer {
	return &Importer{store: store}
}

// Import processes the lines in order. Existing students count as
// matched, new ones as created; when classID is non-empty every
// resolved student is enrolled. Malformed lines never abort the run.
func (im *Importer) Import(ctx context.Context, lines []string, classID string) (Result, error) {
	res := Result{Skipped: []SkippedLine{}}
	for _, line := range lines {
		name, ok := Normalize(line)
		if !ok {
			res.Skipped = append(res.Skipped, SkippedLine{Line: line, Reason: ReasonEmptyOrUnparseable})
			continue
		}

		id, err := im.store.StudentIDByName(ctx, name)
		if err != nil {
			return res, err
		}
		if id != "" {
			res.Matched++
		} else {
			id, err = im.store.CreateStudent(ctx, name)
			if err != nil {
				return res, err
			}
			res.Created++
		}

		if classID != "" {
			if err := im.store.EnsureEnrollment(ctx, id, classID); err != nil {
				return res, err
			}
		}
	}
	log.Printf("roster import: %d created, %d matched, %d skipped", res.Created, res.Matched, len(res.Skipped))
	return res, nil
}
