package models

import "time"

// Project represents a repository whose worker fleet is orchestrated.
type Project struct {
	ID          string
	Name        string
	Path        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
