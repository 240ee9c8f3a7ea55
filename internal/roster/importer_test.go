package roster

import (
	"context"
	"strconv"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"john doe", "John Doe", true},
		{"Doe, John", "John Doe", true},
		{" JOHN   DOE ", "John Doe", true},
		{"john DOE", "John Doe", true},
		{"doe,john", "John Doe", true},
		{"  mary anne  smith ", "Mary Anne Smith", true},
		{"o'brien-smith, pat", "Pat O'brien-Smith", true},
		{"", "", false},
		{"   ", "", false},
		{" , ", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := Normalize(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Fatalf("Normalize(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
			}
		})
	}
}

type memStore struct {
	students    map[string]string // lower(name) -> id
	names       map[string]string // id -> stored name
	enrollments map[string]int    // student|class -> times ensured
	seq         int
}

func newMemStore() *memStore {
	return &memStore{
		students:    map[string]string{},
		names:       map[string]string{},
		enrollments: map[string]int{},
	}
}

func (m *memStore) StudentIDByName(_ context.Context, name string) (string, error) {
	return m.students[strings.ToLower(name)], nil
}

func (m *memStore) CreateStudent(_ context.Context, name string) (string, error) {
	m.seq++
	id := "stu-" + strconv.Itoa(m.seq)
	m.students[strings.ToLower(name)] = id
	m.names[id] = name
	return id, nil
}

func (m *memStore) EnsureEnrollment(_ context.Context, studentID, classID string) error {
	m.enrollments[studentID+"|"+classID]++
	return nil
}

func TestImportMatchesNormalizedVariants(t *testing.T) {
	st := newMemStore()
	im := NewImporter(st)

	res, err := im.Import(context.Background(), []string{
		"john doe",
		"Doe, John",
		" JOHN   DOE ",
	}, "")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Created != 1 || res.Matched != 2 || len(res.Skipped) != 0 {
		t.Fatalf("manifest = %+v, want 1 created / 2 matched", res)
	}
	if len(st.names) != 1 {
		t.Fatalf("students = %d, want 1", len(st.names))
	}
	for _, name := range st.names {
		if name != "John Doe" {
			t.Fatalf("stored name = %q, want %q", name, "John Doe")
		}
	}
}

func TestImportEnrollsAndSkips(t *testing.T) {
	st := newMemStore()
	im := NewImporter(st)

	res, err := im.Import(context.Background(), []string{
		"jane roe",
		"",
		"  ",
		"Roe, Jane",
	}, "c1")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Created != 1 || res.Matched != 1 {
		t.Fatalf("manifest = %+v, want 1 created / 1 matched", res)
	}
	if len(res.Skipped) != 2 {
		t.Fatalf("skipped = %v, want 2", res.Skipped)
	}
	for _, sk := range res.Skipped {
		if sk.Reason != ReasonEmptyOrUnparseable {
			t.Fatalf("reason = %q, want %q", sk.Reason, ReasonEmptyOrUnparseable)
		}
	}
	if got := st.enrollments["stu-1|c1"]; got != 2 {
		t.Fatalf("enrollment ensured %d times, want 2 (second is a silent no-op)", got)
	}
}

func TestImportExistingStudentNotRecreated(t *testing.T) {
	st := newMemStore()
	if _, err := st.CreateStudent(context.Background(), "John Doe"); err != nil {
		t.Fatal(err)
	}
	im := NewImporter(st)

	res, err := im.Import(context.Background(), []string{"JOHN   doe"}, "")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Created != 0 || res.Matched != 1 {
		t.Fatalf("manifest = %+v, want 0 created / 1 matched", res)
	}
}
