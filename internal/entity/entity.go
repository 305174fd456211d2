// Package entity defines the typed payloads stored by the Lexi apps: users,
// courses, lessons, per-lesson progress, and achievements. The sync engine
// treats all of them as opaque JSON; only this package and the repository
// façade's typed collections know the field layout.
//
// Payloads are plain structs, one per entity type, composed into the generic
// [model.Record] wrapper; there is deliberately no inheritance hierarchy.
package entity

import "time"

// Payload is implemented by every entity payload struct.
type Payload interface {
	// EntityType names the record collection the payload belongs to.
	EntityType() string
}

// Ref field names shared between payloads and the records' ref maps.
const (
	RefCourse = "course"
	RefLesson = "lesson"
	RefUser   = "user"
)

// User is a learner profile.
type User struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Locale      string `json:"locale,omitempty"`
}

func (User) EntityType() string { return "user" }

// Course is a language course a user can enrol in.
type Course struct {
	Title       string `json:"title"`
	Language    string `json:"language"`
	Level       string `json:"level,omitempty"`
	Description string `json:"description,omitempty"`
}

func (Course) EntityType() string { return "course" }

// Lesson belongs to a course (required ref [RefCourse]).
type Lesson struct {
	Title    string `json:"title"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"`
}

func (Lesson) EntityType() string { return "lesson" }

// Progress tracks one user's state in one lesson (required refs [RefUser]
// and [RefLesson]).
type Progress struct {
	Score       int        `json:"score"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (Progress) EntityType() string { return "progress" }

// Achievement is an earned badge (required ref [RefUser]).
type Achievement struct {
	Kind     string    `json:"kind"`
	EarnedAt time.Time `json:"earned_at"`
}

func (Achievement) EntityType() string { return "achievement" }
