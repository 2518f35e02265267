package operations

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Report is the record of one operation execution.
type Report[IN, OUT any] struct {
	ID        string       `json:"id"`
	Def       Definition   `json:"definition"`
	Output    OUT          `json:"output"`
	Input     IN           `json:"input"`
	Timestamp *time.Time   `json:"timestamp"`
	Err       *ReportError `json:"error"`
	// Attempts is the number of times the handler ran.
	Attempts uint `json:"attempts"`
	// Forced is set when the operation ran despite an earlier successful execution.
	Forced bool `json:"forced,omitempty"`
}

// ToGenericReport erases the report's type parameters.
func (r Report[IN, OUT]) ToGenericReport() Report[any, any] {
	return genericReport(r)
}

// NewReport returns a report stamped with a fresh ID and the current time.
func NewReport[IN, OUT any](def Definition, input IN, output OUT, err error) Report[IN, OUT] {
	now := time.Now()
	r := Report[IN, OUT]{
		ID:        uuid.New().String(),
		Def:       def,
		Output:    output,
		Input:     input,
		Timestamp: &now,
	}
	if err != nil {
		r.Err = &ReportError{Message: err.Error()}
	}

	return r
}

// ReportError holds the message of a failed execution so it survives marshalling.
type ReportError struct {
	Message string `json:"message"`
}

func (o ReportError) Error() string {
	return o.Message
}

var ErrReportNotFound = errors.New("report not found")

// Reporter stores execution reports.
type Reporter interface {
	GetReport(id string) (Report[any, any], error)
	GetReports() ([]Report[any, any], error)
	AddReport(report Report[any, any]) error
}

// MemoryReporter keeps reports in memory. It is safe for concurrent use.
type MemoryReporter struct {
	reports []Report[any, any]
	mu      sync.RWMutex
}

type MemoryReporterOption func(*MemoryReporter)

// WithReports seeds the reporter, e.g. with reports of an earlier run being resumed.
func WithReports(reports []Report[any, any]) MemoryReporterOption {
	return func(mr *MemoryReporter) {
		mr.reports = reports
	}
}

// NewMemoryReporter returns an empty MemoryReporter.
func NewMemoryReporter(options ...MemoryReporterOption) *MemoryReporter {
	reporter := &MemoryReporter{}
	for _, opt := range options {
		opt(reporter)
	}

	return reporter
}

func (e *MemoryReporter) AddReport(report Report[any, any]) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.reports = append(e.reports, report)

	return nil
}

// GetReports returns a copy of all reports in insertion order.
func (e *MemoryReporter) GetReports() ([]Report[any, any], error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	reports := make([]Report[any, any], len(e.reports))
	copy(reports, e.reports)

	return reports, nil
}

// GetReport returns the report with the given ID or ErrReportNotFound.
func (e *MemoryReporter) GetReport(id string) (Report[any, any], error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, report := range e.reports {
		if report.ID == id {
			return report, nil
		}
	}

	return Report[any, any]{}, fmt.Errorf("report_id %s: %w", id, ErrReportNotFound)
}

// RecentReporter forwards to a Reporter and remembers the reports added through it. A plan
// or operation run wraps the shared reporter in one to collect the reports of that run.
type RecentReporter struct {
	Reporter
	recentReports []Report[any, any]
	mu            sync.RWMutex
}

// NewRecentReporter wraps reporter.
func NewRecentReporter(reporter Reporter) *RecentReporter {
	return &RecentReporter{
		Reporter:      reporter,
		recentReports: []Report[any, any]{},
	}
}

func (e *RecentReporter) AddReport(report Report[any, any]) error {
	if err := e.Reporter.AddReport(report); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.recentReports = append(e.recentReports, report)

	return nil
}

// GetRecentReports returns the reports added since construction.
func (e *RecentReporter) GetRecentReports() []Report[any, any] {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Report[any, any], len(e.recentReports))
	copy(out, e.recentReports)

	return out
}

func genericReport[IN, OUT any](r Report[IN, OUT]) Report[any, any] {
	return Report[any, any]{
		ID:        r.ID,
		Def:       r.Def,
		Output:    r.Output,
		Input:     r.Input,
		Timestamp: r.Timestamp,
		Err:       r.Err,
		Attempts:  r.Attempts,
		Forced:    r.Forced,
	}
}

// typeReport converts a generic report back to its typed form. Values that went through JSON
// lose their Go types (numbers become float64, structs become maps), so they are round-tripped
// into IN and OUT.
func typeReport[IN, OUT any](r Report[any, any]) (Report[IN, OUT], bool) {
	inputBytes, err := json.Marshal(r.Input)
	if err != nil {
		return Report[IN, OUT]{}, false
	}
	var input IN
	if err = json.Unmarshal(inputBytes, &input); err != nil {
		return Report[IN, OUT]{}, false
	}

	outputBytes, err := json.Marshal(r.Output)
	if err != nil {
		return Report[IN, OUT]{}, false
	}
	var output OUT
	if err = json.Unmarshal(outputBytes, &output); err != nil {
		return Report[IN, OUT]{}, false
	}

	return Report[IN, OUT]{
		ID:        r.ID,
		Def:       r.Def,
		Output:    output,
		Input:     input,
		Timestamp: r.Timestamp,
		Err:       r.Err,
		Attempts:  r.Attempts,
		Forced:    r.Forced,
	}, true
}
