package api

import "encoding/json"

// Decimal quantities (hours, percentages) travel as strings to keep their
// exact server-side precision.

type UserMe struct {
	ID             string  `json:"id"`
	ExternalUserID string  `json:"external_user_id"`
	Email          *string `json:"email"`
	DisplayName    *string `json:"display_name"`
	CreatedAt      string  `json:"created_at"`
}

type StateLicense struct {
	ID            string  `json:"id"`
	StateCode     string  `json:"state_code"`
	LicenseNumber *string `json:"license_number"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type LicenseCycle struct {
	ID             string `json:"id"`
	StateLicenseID string `json:"state_license_id"`
	CycleStart     string `json:"cycle_start"`
	CycleEnd       string `json:"cycle_end"`
	RequiredHours  string `json:"required_hours"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type Course struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Provider    *string `json:"provider"`
	CompletedAt string  `json:"completed_at"`
	Hours       string  `json:"hours"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type Allocation struct {
	ID             string `json:"id"`
	CourseCreditID string `json:"course_credit_id"`
	LicenseCycleID string `json:"license_cycle_id"`
	CreatedAt      string `json:"created_at"`
}

type AllocationBulkResult struct {
	Created         []Allocation `json:"created"`
	SkippedCycleIDs []string     `json:"skipped_cycle_ids"`
}

// ProgressStatus classifies a cycle's progress.
type ProgressStatus string

const (
	StatusOverdue  ProgressStatus = "overdue"
	StatusComplete ProgressStatus = "complete"
	StatusAtRisk   ProgressStatus = "at_risk"
	StatusOnTrack  ProgressStatus = "on_track"
)

type ProgressWarning struct {
	Kind        string   `json:"kind"`
	StateCode   string   `json:"state_code"`
	CourseID    string   `json:"course_id"`
	CourseTitle string   `json:"course_title"`
	CycleIDs    []string `json:"cycle_ids"`
}

type ProgressRow struct {
	CycleID        string            `json:"cycle_id"`
	StateCode      string            `json:"state_code"`
	CycleStart     string            `json:"cycle_start"`
	CycleEnd       string            `json:"cycle_end"`
	RequiredHours  string            `json:"required_hours"`
	EarnedHours    string            `json:"earned_hours"`
	RemainingHours string            `json:"remaining_hours"`
	Percent        string            `json:"percent"`
	DaysRemaining  int               `json:"days_remaining"`
	Status         ProgressStatus    `json:"status"`
	Warnings       []ProgressWarning `json:"warnings"`
}

type Certificate struct {
	ID             string  `json:"id"`
	CourseCreditID string  `json:"course_credit_id"`
	Filename       string  `json:"filename"`
	ContentType    *string `json:"content_type"`
	SizeBytes      *int64  `json:"size_bytes"`
	BlobPath       string  `json:"blob_path"`
	CreatedAt      string  `json:"created_at"`
}

type TimelineCertificate struct {
	ID          string  `json:"id"`
	Filename    string  `json:"filename"`
	ContentType *string `json:"content_type"`
	SizeBytes   *int64  `json:"size_bytes"`
	CreatedAt   string  `json:"created_at"`
}

type TimelineCourse struct {
	ID             string                `json:"id"`
	Title          string                `json:"title"`
	Provider       *string               `json:"provider"`
	CompletedAt    string                `json:"completed_at"`
	Hours          string                `json:"hours"`
	HasCertificate bool                  `json:"has_certificate"`
	Certificates   []TimelineCertificate `json:"certificates"`
}

type TimelineCycle struct {
	ID             string            `json:"id"`
	StateLicenseID string            `json:"state_license_id"`
	StateCode      string            `json:"state_code"`
	CycleStart     string            `json:"cycle_start"`
	CycleEnd       string            `json:"cycle_end"`
	RequiredHours  string            `json:"required_hours"`
	EarnedHours    string            `json:"earned_hours"`
	RemainingHours string            `json:"remaining_hours"`
	Percent        string            `json:"percent"`
	DaysRemaining  int               `json:"days_remaining"`
	Status         ProgressStatus    `json:"status"`
	Warnings       []ProgressWarning `json:"warnings"`
	Courses        []TimelineCourse  `json:"courses"`
}

type TimelineState struct {
	StateCode     string          `json:"state_code"`
	LicenseNumber *string         `json:"license_number"`
	Cycles        []TimelineCycle `json:"cycles"`
}

type TimelineResponse struct {
	States []TimelineState `json:"states"`
}

type TimelineEvent struct {
	ID         string                     `json:"id"`
	Kind       string                     `json:"kind"`
	OccurredAt string                     `json:"occurred_at"`
	StateCode  *string                    `json:"state_code,omitempty"`
	CycleID    *string                    `json:"cycle_id,omitempty"`
	CourseID   *string                    `json:"course_id,omitempty"`
	Title      string                     `json:"title"`
	Subtitle   *string                    `json:"subtitle,omitempty"`
	Badges     []string                   `json:"badges,omitempty"`
	Meta       map[string]json.RawMessage `json:"meta,omitempty"`
}

// Request payloads. Pointer fields are omitted when nil so PATCH bodies only
// carry the fields being changed.

type CreateStateLicense struct {
	StateCode     string  `json:"state_code"`
	LicenseNumber *string `json:"license_number,omitempty"`
}

type UpdateStateLicense struct {
	LicenseNumber *string `json:"license_number,omitempty"`
}

type CreateCycle struct {
	StateLicenseID string `json:"state_license_id"`
	CycleStart     string `json:"cycle_start"`
	CycleEnd       string `json:"cycle_end"`
	RequiredHours  string `json:"required_hours"`
}

type UpdateCycle struct {
	CycleStart    *string `json:"cycle_start,omitempty"`
	CycleEnd      *string `json:"cycle_end,omitempty"`
	RequiredHours *string `json:"required_hours,omitempty"`
}

type CreateCourse struct {
	Title       string  `json:"title"`
	Provider    *string `json:"provider,omitempty"`
	CompletedAt string  `json:"completed_at"`
	Hours       string  `json:"hours"`
}

type UpdateCourse struct {
	Title       *string `json:"title,omitempty"`
	Provider    *string `json:"provider,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Hours       *string `json:"hours,omitempty"`
}

type BulkAllocate struct {
	CourseID string   `json:"course_id"`
	CycleIDs []string `json:"cycle_ids"`
}

// DateRange filters list endpoints by date. Empty bounds are omitted.
type DateRange struct {
	From string
	To   string
}
