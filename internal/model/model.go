package model

import (
	"encoding/json"
	"time"
)

// Row shapes of the remote tables. Column names follow the upstream schema,
// so the json tags double as the wire format for both reads and writes.

type Profile struct {
	ID       string  `json:"id"`
	FullName *string `json:"full_name"`
	Role     *string `json:"role"`
	Grade    *string `json:"grade"`
	Subject  *string `json:"subject"`
}

type CurriculumModule struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Grade     *string `json:"grade"`
	Subject   *string `json:"subject"`
	Published bool    `json:"published"`
}

type ActivitySubmission struct {
	ID               string          `json:"id"`
	ModuleID         string          `json:"module_id"`
	UserID           string          `json:"user_id"`
	SubmissionNumber int             `json:"submission_number"`
	Status           string          `json:"status"`
	Report           json.RawMessage `json:"report,omitempty"`
	CreatedAt        *time.Time      `json:"created_at,omitempty"`
	UpdatedAt        *time.Time      `json:"updated_at,omitempty"`
}

type PageView struct {
	ID       string `json:"id"`
	Page     string `json:"page"`
	Viewer   string `json:"viewer,omitempty"`
	ViewedAt string `json:"viewed_at"`
}
