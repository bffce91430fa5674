package domain

import "time"

const ActionClassified = "classified"

// ClassificationEvent announces a category written back for a post.
type ClassificationEvent struct {
	EventID     string    `json:"event_id"`
	RunID       string    `json:"run_id"`
	Action      string    `json:"action"`
	PostID      string    `json:"post_id"`
	OwnerHandle string    `json:"owner_handle"`
	Category    Category  `json:"category"`
	Timestamp   time.Time `json:"timestamp"`
}
