package model

import "time"

// BatchStatus is the overall outcome of a processed batch.
type BatchStatus string

const (
	BatchStatusRunning             BatchStatus = "RUNNING"
	BatchStatusCompleted           BatchStatus = "COMPLETED"
	BatchStatusCompletedWithIssues BatchStatus = "COMPLETED_WITH_ISSUES"
	BatchStatusFailed              BatchStatus = "FAILED"
)

// ProcessingSummary is the quality-scored rollup of one batch.
type ProcessingSummary struct {
	BatchID         string         `json:"batch_id,omitempty"`
	Vendor          string         `json:"vendor,omitempty"`
	FileName        string         `json:"file_name,omitempty"`
	TotalRecords    int            `json:"total_records"`
	AcceptedRecords int            `json:"accepted_records"`
	QuarantinedRows int            `json:"quarantined_rows"`
	PassedChecks    int            `json:"passed_checks"`
	FailedChecks    int            `json:"failed_checks"`
	PassRate        float64        `json:"pass_rate"`
	OverallStatus   BatchStatus    `json:"overall_status"`
	FailuresByField map[string]int `json:"failures_by_field,omitempty"`
	Warnings        []string       `json:"warnings"`
	Errors          []string       `json:"errors"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// BatchRun is the persisted log entry of one processed batch.
type BatchRun struct {
	ID          string             `json:"id"`
	Vendor      string             `json:"vendor"`
	FileName    string             `json:"file_name"`
	Status      BatchStatus        `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Summary     *ProcessingSummary `json:"summary,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// BatchFilter narrows a batch run listing.
type BatchFilter struct {
	Vendor string      `json:"vendor,omitempty"`
	Status BatchStatus `json:"status,omitempty"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}
