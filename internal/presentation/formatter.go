package presentation

import (
	"encoding/json"
	"io"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

// FormatWorkers formats a list of worker views as indented JSON.
func (f *Formatter) FormatWorkers(workers []WorkerDTO) error {
	if workers == nil {
		workers = []WorkerDTO{}
	}
	return f.encode(workers)
}

// FormatArchived formats archived worker views as indented JSON.
func (f *Formatter) FormatArchived(rows []ArchivedWorkerDTO) error {
	if rows == nil {
		rows = []ArchivedWorkerDTO{}
	}
	return f.encode(rows)
}

// FormatResult formats an arbitrary result value as indented JSON.
func (f *Formatter) FormatResult(result any) error {
	return f.encode(result)
}

func (f *Formatter) encode(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
