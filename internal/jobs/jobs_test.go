package jobs

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testjobs/internal/store"
)

func TestDecodeTestRun(t *testing.T) {
	t.Parallel()

	job, err := DecodeTestRun(Envelope{
		Type: TypeBulkStatusUpdate,
		Data: json.RawMessage(`{"testRunId":"r1","testCaseIds":["a","b"],"status":"passed","actorId":"u"}`),
	})
	require.NoError(t, err)
	upd, ok := job.(BulkStatusUpdate)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, upd.TestCaseIDs)
	assert.Equal(t, store.ResultPassed, upd.Status)
	require.NotNil(t, upd.ActorID)
	assert.Equal(t, "u", *upd.ActorID)

	job, err = DecodeTestRun(Envelope{Type: TypeBulkDelete, Data: json.RawMessage(`{"testRunId":"r1","resultIds":["x"]}`)})
	require.NoError(t, err)
	assert.Equal(t, BulkDelete{TestRunID: "r1", ResultIDs: []string{"x"}}, job)
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		decode  func(Envelope) error
		env     Envelope
		unknown bool
	}{
		{"unknown test-run type", func(e Envelope) error { _, err := DecodeTestRun(e); return err },
			Envelope{Type: "bulk-archive", Data: json.RawMessage(`{}`)}, true},
		{"export on the wrong queue", func(e Envelope) error { _, err := DecodeTestRun(e); return err },
			Envelope{Type: TypeExport, Data: json.RawMessage(`{}`)}, true},
		{"bad status", func(e Envelope) error { _, err := DecodeTestRun(e); return err },
			Envelope{Type: TypeBulkStatusUpdate, Data: json.RawMessage(`{"testRunId":"r","status":"done"}`)}, false},
		{"missing data", func(e Envelope) error { _, err := DecodeScheduledRun(e); return err },
			Envelope{Type: TypeScheduledRun}, false},
		{"export without run", func(e Envelope) error { _, err := DecodeExport(e); return err },
			Envelope{Type: TypeExport, Data: json.RawMessage(`{"format":"csv","data":{}}`)}, false},
		{"unknown export type", func(e Envelope) error { _, err := DecodeExport(e); return err },
			Envelope{Type: "report", Data: json.RawMessage(`{}`)}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.decode(tt.env)
			require.Error(t, err)
			var ute *UnknownTypeError
			if tt.unknown {
				require.ErrorAs(t, err, &ute)
				assert.Equal(t, "Unknown job type: "+tt.env.Type, err.Error())
			} else {
				assert.True(t, errors.Is(err, ErrInvalidPayload), "got %v", err)
			}
		})
	}
}

func TestExportWireShape(t *testing.T) {
	t.Parallel()

	queue, env, err := Encode(Export{Format: "csv", TestRunID: "run-7"})
	require.NoError(t, err)
	assert.Equal(t, QueueExport, queue)
	assert.Equal(t, TypeExport, env.Type)
	assert.JSONEq(t, `{"format":"csv","data":{"testRunId":"run-7"}}`, string(env.Data))

	job, err := DecodeExport(env)
	require.NoError(t, err)
	assert.Equal(t, Export{Format: "csv", TestRunID: "run-7"}, job)
}

func TestEncodeScheduledRun(t *testing.T) {
	t.Parallel()

	queue, env, err := Encode(ScheduledRun{ScheduleID: "s", TemplateID: "t", ProjectID: "p"})
	require.NoError(t, err)
	assert.Equal(t, QueueScheduledRun, queue)
	assert.JSONEq(t, `{"scheduleId":"s","templateId":"t","projectId":"p"}`, string(env.Data))

	_, _, err = Encode(42)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	ok := Envelope{Type: TypeExport, Data: json.RawMessage(`{"format":"csv","data":{"testRunId":"r1"}}`)}
	require.NoError(t, Validate(QueueExport, ok))

	var unknown *UnknownTypeError
	require.ErrorAs(t, Validate(QueueTestRun, ok), &unknown)
	require.ErrorIs(t, Validate(QueueScheduledRun, Envelope{Type: TypeScheduledRun, Data: json.RawMessage(`{}`)}), ErrInvalidPayload)
	require.Error(t, Validate("nope", ok))
}
