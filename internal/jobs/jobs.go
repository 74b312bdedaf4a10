// Package jobs defines the queue names, the wire envelope and the closed set
// of job payloads each queue accepts.
//
// Every queue has its own sealed interface (TestRunJob, ExportJob,
// ScheduledRunJob); Decode* functions are the only way to obtain one from the
// wire, so dispatchers can switch over the variants exhaustively.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"testjobs/internal/store"
)

const (
	QueueTestRun      = "test-run-jobs"
	QueueExport       = "export-jobs"
	QueueScheduledRun = "scheduled-run-jobs"
)

// Queues lists every queue name in a stable order.
var Queues = []string{QueueTestRun, QueueExport, QueueScheduledRun}

const (
	TypeBulkStatusUpdate = "bulk-status-update"
	TypeBulkDelete       = "bulk-delete"
	TypeExport           = "export"
	TypeScheduledRun     = "scheduled-run"
)

// Envelope is the wire form of a job: {"type": ..., "data": ...}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// UnknownTypeError reports a type tag the target queue does not accept.
type UnknownTypeError struct {
	Queue string
	Type  string
}

func (e *UnknownTypeError) Error() string { return "Unknown job type: " + e.Type }

// ErrInvalidPayload wraps payload decoding and validation failures.
var ErrInvalidPayload = errors.New("invalid job payload")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// ---- test-run-jobs ----

// TestRunJob is a payload accepted by the test-run queue.
type TestRunJob interface{ testRunJob() }

type BulkStatusUpdate struct {
	TestRunID   string             `json:"testRunId"`
	TestCaseIDs []string           `json:"testCaseIds"`
	Status      store.ResultStatus `json:"status"`
	ActorID     *string            `json:"actorId,omitempty"`
}

type BulkDelete struct {
	TestRunID string   `json:"testRunId"`
	ResultIDs []string `json:"resultIds"`
}

func (BulkStatusUpdate) testRunJob() {}
func (BulkDelete) testRunJob()       {}

func (p BulkStatusUpdate) validate() error {
	if strings.TrimSpace(p.TestRunID) == "" {
		return invalid("testRunId is required")
	}
	if !p.Status.Valid() {
		return invalid("unknown status %q", p.Status)
	}
	return nil
}

func (p BulkDelete) validate() error {
	if strings.TrimSpace(p.TestRunID) == "" {
		return invalid("testRunId is required")
	}
	return nil
}

// DecodeTestRun decodes an envelope from the test-run queue.
func DecodeTestRun(env Envelope) (TestRunJob, error) {
	switch env.Type {
	case TypeBulkStatusUpdate:
		var p BulkStatusUpdate
		if err := decodeData(env, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil
	case TypeBulkDelete:
		var p BulkDelete
		if err := decodeData(env, &p); err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, &UnknownTypeError{Queue: QueueTestRun, Type: env.Type}
}

// ---- export-jobs ----

type ExportJob interface{ exportJob() }

// Export asks for one run rendered in Format. On the wire the run id is
// nested: {"format": "csv", "data": {"testRunId": "..."}}.
type Export struct {
	Format    string
	TestRunID string
}

func (Export) exportJob() {}

type exportWire struct {
	Format string `json:"format"`
	Data   struct {
		TestRunID string `json:"testRunId"`
	} `json:"data"`
}

func (e Export) MarshalJSON() ([]byte, error) {
	var w exportWire
	w.Format = e.Format
	w.Data.TestRunID = e.TestRunID
	return json.Marshal(w)
}

func (e *Export) UnmarshalJSON(b []byte) error {
	var w exportWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Format = w.Format
	e.TestRunID = w.Data.TestRunID
	return nil
}

// DecodeExport decodes an envelope from the export queue. The format is not
// checked here; unsupported formats are reported by the export processor.
func DecodeExport(env Envelope) (ExportJob, error) {
	if env.Type != TypeExport {
		return nil, &UnknownTypeError{Queue: QueueExport, Type: env.Type}
	}
	var p Export
	if err := decodeData(env, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.TestRunID) == "" {
		return nil, invalid("data.testRunId is required")
	}
	return p, nil
}

// ---- scheduled-run-jobs ----

type ScheduledRunJob interface{ scheduledRunJob() }

type ScheduledRun struct {
	ScheduleID string `json:"scheduleId"`
	TemplateID string `json:"templateId"`
	ProjectID  string `json:"projectId"`
}

func (ScheduledRun) scheduledRunJob() {}

func DecodeScheduledRun(env Envelope) (ScheduledRunJob, error) {
	if env.Type != TypeScheduledRun {
		return nil, &UnknownTypeError{Queue: QueueScheduledRun, Type: env.Type}
	}
	var p ScheduledRun
	if err := decodeData(env, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ScheduleID) == "" {
		return nil, invalid("scheduleId is required")
	}
	return p, nil
}

// ---- encoding ----

// Encode wraps a payload into an envelope with its type tag and target queue.
func Encode(job any) (queue string, env Envelope, err error) {
	var typ string
	switch job.(type) {
	case BulkStatusUpdate, *BulkStatusUpdate:
		queue, typ = QueueTestRun, TypeBulkStatusUpdate
	case BulkDelete, *BulkDelete:
		queue, typ = QueueTestRun, TypeBulkDelete
	case Export, *Export:
		queue, typ = QueueExport, TypeExport
	case ScheduledRun, *ScheduledRun:
		queue, typ = QueueScheduledRun, TypeScheduledRun
	default:
		return "", Envelope{}, fmt.Errorf("encode: unsupported job %T", job)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", Envelope{}, err
	}
	return queue, Envelope{Type: typ, Data: data}, nil
}

func decodeData(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return invalid("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return invalid("%s: %v", env.Type, err)
	}
	return nil
}

// Validate decodes env the way queueName's dispatcher would and reports the
// first problem.
func Validate(queueName string, env Envelope) error {
	var err error
	switch queueName {
	case QueueTestRun:
		_, err = DecodeTestRun(env)
	case QueueExport:
		_, err = DecodeExport(env)
	case QueueScheduledRun:
		_, err = DecodeScheduledRun(env)
	default:
		err = fmt.Errorf("unknown queue %q", queueName)
	}
	return err
}
