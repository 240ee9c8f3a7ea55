package roster

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Repository persists students and enrollments in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// StudentIDByName matches the stored name case-insensitively. The
// unique index on LOWER(name) keeps this a single-row lookup.
func (r *Repository) StudentIDByName(ctx context.Context, name string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM students WHERE LOWER(name) = LOWER($1)
	`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// CreateStudent inserts a student with the normalized name.
func (r *Repository) CreateStudent(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (id, name) VALUES ($1, $2)
	`, id, name)
	if err != nil {
		return "", err
	}
	return id, nil
}

// EnsureEnrollment enrolls the student in the class; an existing
// enrollment is left untouched (repeated imports are expected).
func (r *Repository) EnsureEnrollment(ctx context.Context, studentID, classID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO enrollments (id, student_id, class_id, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (student_id, class_id) DO NOTHING
	`, uuid.NewString(), studentID, classID)
	return err
}
