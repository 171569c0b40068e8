package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the top-level outcome tag of a response envelope.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusWarning Status = "warning"
)

// Envelope is the top-level response object. Success envelopes carry
// action-specific result fields in Data, flattened to the top level on the
// wire. Error envelopes carry the formatted error record fields; file, line
// and column are emitted even when zero so automated callers never have to
// probe for their presence.
type Envelope struct {
	Status          Status
	Action          Action
	Type            string
	Category        string
	File            string
	Line            int
	Column          int
	Message         string
	Stack           string
	Suggestion      string
	CorrectionHints []string
	RetryCount      int
	MaxRetries      int
	RequestID       string
	Timestamp       float64
	Data            map[string]interface{}
}

// NewSuccess builds a success envelope for the given action with the given
// result fields.
func NewSuccess(action Action, requestID string, data map[string]interface{}) *Envelope {
	return &Envelope{
		Status:    StatusSuccess,
		Action:    action,
		RequestID: requestID,
		Timestamp: nowUnix(),
		Data:      data,
	}
}

// IsSuccess reports whether the envelope carries a success status.
func (e *Envelope) IsSuccess() bool { return e.Status == StatusSuccess }

// IsError reports whether the envelope carries an error status.
func (e *Envelope) IsError() bool { return e.Status == StatusError }

// reserved keys that Data entries may not shadow on the wire.
var envelopeKeys = map[string]bool{
	"status": true, "action": true, "type": true, "category": true,
	"file": true, "line": true, "column": true, "message": true,
	"stack": true, "suggestion": true, "correction_hints": true,
	"retry_count": true, "max_retries": true, "request_id": true,
	"timestamp": true,
}

// MarshalJSON flattens the envelope into the wire shape: fixed fields plus
// action-specific Data entries at the top level.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Data)+8)
	for k, v := range e.Data {
		if envelopeKeys[k] {
			return nil, fmt.Errorf("envelope data key %q shadows a reserved field", k)
		}
		out[k] = v
	}
	out["status"] = string(e.Status)
	out["timestamp"] = e.Timestamp
	if e.Action != "" {
		out["action"] = string(e.Action)
	}
	if e.RequestID != "" {
		out["request_id"] = e.RequestID
	}
	if e.Status == StatusError {
		out["type"] = e.Type
		out["category"] = e.Category
		out["file"] = e.File
		out["line"] = e.Line
		out["column"] = e.Column
		out["message"] = e.Message
		out["stack"] = e.Stack
		out["suggestion"] = e.Suggestion
		hints := e.CorrectionHints
		if hints == nil {
			hints = []string{}
		}
		out["correction_hints"] = hints
		if e.MaxRetries > 0 {
			out["retry_count"] = e.RetryCount
			out["max_retries"] = e.MaxRetries
		}
	} else {
		if e.Type != "" {
			out["type"] = e.Type
		}
		if e.Message != "" {
			out["message"] = e.Message
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits a wire object back into fixed fields and Data.
func (e *Envelope) UnmarshalJSON(raw []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*e = Envelope{}
	take := func(key string) (interface{}, bool) {
		v, ok := m[key]
		if ok {
			delete(m, key)
		}
		return v, ok
	}
	if v, ok := take("status"); ok {
		s, _ := v.(string)
		e.Status = Status(s)
	}
	if v, ok := take("action"); ok {
		s, _ := v.(string)
		e.Action = Action(s)
	}
	if v, ok := take("type"); ok {
		e.Type, _ = v.(string)
	}
	if v, ok := take("category"); ok {
		e.Category, _ = v.(string)
	}
	if v, ok := take("file"); ok {
		e.File, _ = v.(string)
	}
	if v, ok := take("line"); ok {
		f, _ := v.(float64)
		e.Line = int(f)
	}
	if v, ok := take("column"); ok {
		f, _ := v.(float64)
		e.Column = int(f)
	}
	if v, ok := take("message"); ok {
		e.Message, _ = v.(string)
	}
	if v, ok := take("stack"); ok {
		e.Stack, _ = v.(string)
	}
	if v, ok := take("suggestion"); ok {
		e.Suggestion, _ = v.(string)
	}
	if v, ok := take("correction_hints"); ok {
		if items, ok := v.([]interface{}); ok {
			hints := make([]string, 0, len(items))
			for _, item := range items {
				if s, ok := item.(string); ok {
					hints = append(hints, s)
				}
			}
			e.CorrectionHints = hints
		}
	}
	if v, ok := take("retry_count"); ok {
		f, _ := v.(float64)
		e.RetryCount = int(f)
	}
	if v, ok := take("max_retries"); ok {
		f, _ := v.(float64)
		e.MaxRetries = int(f)
	}
	if v, ok := take("request_id"); ok {
		e.RequestID, _ = v.(string)
	}
	if v, ok := take("timestamp"); ok {
		e.Timestamp, _ = v.(float64)
	}
	if len(m) > 0 {
		e.Data = m
	}
	return nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NowUnix returns the current time as unix seconds, the timestamp
// representation used on the wire.
func NowUnix() float64 { return nowUnix() }
