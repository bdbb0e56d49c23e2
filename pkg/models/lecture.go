// Package models defines the data structures used throughout the application
package models

import (
	"time"
)

// LectureRef identifies one orderable lecture discovered on a video page.
// The lecture id (NewID) is the uniqueness key: the queue never holds the
// same id twice.
type LectureRef struct {
	ID       string     `json:"new_id" db:"new_id"`
	PageURL  string     `json:"page_url" db:"page_url"`
	Meta     string     `json:"meta" db:"meta"`
	Date     *time.Time `json:"date,omitempty" db:"lecture_date"`
	Filename string     `json:"filename" db:"filename"`
}

// TeacherInfo is one entry of a lecture's teacher list. The first entry is
// the primary teacher used for filename derivation.
type TeacherInfo struct {
	Name string `json:"Name"`
}

// SegmentDescriptor is one media segment of a lecture. PlayFileURI is the
// opaque play descriptor the resolver turns into downloadable URLs.
type SegmentDescriptor struct {
	PlayFileURI string `json:"PlayFileUri"`
}

// LectureMetadata is the result of resolving a lecture id against the
// metadata endpoint. Produced fresh per queue item, never cached.
type LectureMetadata struct {
	CourseName    string              `json:"CourseName"`
	ClassRoomName string              `json:"ClassRoomName"`
	Teachers      []TeacherInfo       `json:"TeacherList"`
	StartTime     string              `json:"StartTime"`
	StopTime      string              `json:"StopTime"`
	Segments      []SegmentDescriptor `json:"VideoSegmentInfo"`
}

// PrimaryTeacher returns the first teacher's name, or empty when the list
// is missing.
func (m *LectureMetadata) PrimaryTeacher() string {
	if len(m.Teachers) == 0 {
		return ""
	}
	return m.Teachers[0].Name
}
