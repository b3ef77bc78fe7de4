package store

import "time"

// Project is a job site with a drawing scale and layout dimensions in feet.
type Project struct {
	ID        string
	Name      string
	Scale     float64
	Width     float64
	Height    float64
	CreatedAt time.Time
	UpdatedAt time.Time
}
