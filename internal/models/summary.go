package models

import "time"

// RunSummary is the live and final account of a run
type RunSummary struct {
	Total              int           `json:"total" yaml:"total"`
	Succeeded          int           `json:"succeeded" yaml:"succeeded"`
	Failed             int           `json:"failed" yaml:"failed"`
	Incomplete         int           `json:"incomplete" yaml:"incomplete"`
	NotAttemptedBudget int           `json:"not_attempted_budget" yaml:"not_attempted_budget"`
	Remaining          int           `json:"remaining" yaml:"remaining"`
	InFlight           int           `json:"in_flight" yaml:"in_flight"`
	Attempts           int           `json:"attempts" yaml:"attempts"`
	Cost               float64       `json:"cost" yaml:"cost"`
	Budget             float64       `json:"budget" yaml:"budget"`
	Elapsed            time.Duration `json:"elapsed" yaml:"elapsed"`
	EstimatedRemaining time.Duration `json:"estimated_remaining" yaml:"estimated_remaining"`
	Interrupted        bool          `json:"interrupted" yaml:"interrupted"`
	BudgetExhausted    bool          `json:"budget_exhausted" yaml:"budget_exhausted"`
}

// Completed returns the number of items that reached a terminal status
func (s RunSummary) Completed() int {
	return s.Succeeded + s.Failed + s.Incomplete
}

// RunEstimate is the pre-run projection shown by --status and before confirmation
type RunEstimate struct {
	Pending        int           `yaml:"pending"`
	Pages          int           `yaml:"pages"`
	ChunkedItems   int           `yaml:"chunked_items"`
	Requests       int           `yaml:"requests"`
	InputTokens    int64         `yaml:"estimated_input_tokens"`
	OutputTokens   int64         `yaml:"estimated_output_tokens"`
	EstimatedCost  float64       `yaml:"estimated_cost"`
	Budget         float64       `yaml:"budget"`
	EstimatedTime  time.Duration `yaml:"estimated_time"`
	Done           int           `yaml:"done"`
	Failed         int           `yaml:"failed"`
	Incomplete     int           `yaml:"incomplete"`
	InBatch        int           `yaml:"in_batch"`
	HistoricSpend  float64       `yaml:"historic_spend"`
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
}
