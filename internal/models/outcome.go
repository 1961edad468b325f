package models

import "time"

// SyncOutcome counts what one reconciliation run did for a single user.
type SyncOutcome struct {
	UserID   string   `json:"user_id"`
	Imported int      `json:"imported"`
	Updated  int      `json:"updated"`
	Skipped  int      `json:"skipped"`
	Exported int      `json:"exported"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// AddError records a per-event or per-phase failure message.
func (o *SyncOutcome) AddError(err error) {
	o.Errors = append(o.Errors, err.Error())
}

// Report is the aggregate result of one scheduled run across all users.
type Report struct {
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Imported  int               `json:"imported"`
	Updated   int               `json:"updated"`
	Skipped   int               `json:"skipped"`
	Exported  int               `json:"exported"`
	Errors    map[string]string `json:"errors,omitempty"`
	// Error is set when the run could not list its users.
	Error string `json:"error,omitempty"`
}

// Add folds a user's outcome into the report.
func (r *Report) Add(o *SyncOutcome) {
	if o == nil {
		return
	}
	r.Imported += o.Imported
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Exported += o.Exported
}
