package persistence

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/orchestro/pkg/api"
)

// payloadFormat prefixes every stored workflow blob.
const payloadFormat byte = 1

func init() {
	// Types that may appear inside Variables, StageResults and audit Data.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register(time.Time{})
}

// ErrUnknownPayloadFormat is returned for blobs written by an incompatible
// encoder.
var ErrUnknownPayloadFormat = errors.New("persistence: unknown payload format")

// EncodeWorkflow serializes a workflow for the SQL, Redis and Mongo
// backends.
func EncodeWorkflow(wf *api.Workflow) ([]byte, error) {
	if wf == nil {
		return nil, errors.New("persistence: cannot encode nil workflow")
	}
	var buf bytes.Buffer
	buf.WriteByte(payloadFormat)
	if err := gob.NewEncoder(&buf).Encode(wf); err != nil {
		return nil, fmt.Errorf("encode workflow %s: %w", wf.WorkflowID, err)
	}
	return buf.Bytes(), nil
}

// DecodeWorkflow is the inverse of EncodeWorkflow. Empty input reads as a
// missing workflow.
func DecodeWorkflow(data []byte) (*api.Workflow, error) {
	if len(data) == 0 {
		return nil, ErrWorkflowNotFound
	}
	if data[0] != payloadFormat {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPayloadFormat, data[0])
	}
	var wf api.Workflow
	if err := gob.NewDecoder(bytes.NewReader(data[1:])).Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	wf.Normalize()
	return &wf, nil
}
