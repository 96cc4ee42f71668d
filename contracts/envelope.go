package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	fieldRequestID = "requestId"
	fieldTimestamp = "timestamp"
	fieldResp      = "resp"
)

// Envelope wraps a relayed message. Only the identifiers used for correlation
// are decoded; the rest of the payload is carried as raw JSON.
type Envelope struct {
	RequestID     string
	Timestamp     string
	CorrelationID string

	fields map[string]json.RawMessage
	resp   map[string]json.RawMessage
}

// ParseEnvelope decodes a JSON object into an Envelope.
func ParseEnvelope(body []byte) (*Envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, NewError(CodeMalformedEnvelope, "empty body")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, WrapError(CodeMalformedEnvelope, err, "body is not a JSON object")
	}
	if fields == nil {
		return nil, NewError(CodeMalformedEnvelope, "body is not a JSON object")
	}

	env := &Envelope{fields: fields}

	var err error
	if env.RequestID, err = stringField(fields, fieldRequestID); err != nil {
		return nil, err
	}
	if env.Timestamp, err = stringField(fields, fieldTimestamp); err != nil {
		return nil, err
	}

	if raw, ok := fields[fieldResp]; ok && !isNull(raw) {
		var resp map[string]json.RawMessage
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, WrapError(CodeMalformedEnvelope, err, "resp is not a JSON object")
		}
		env.resp = resp
		if env.CorrelationID, err = stringField(resp, fieldRequestID); err != nil {
			return nil, err
		}
	}

	return env, nil
}

// WithRequestID returns a copy of the envelope carrying a different requestId.
func (e *Envelope) WithRequestID(id string) *Envelope {
	c := e.clone()
	c.RequestID = id
	return c
}

// WithCorrelationID returns a copy of the envelope whose resp.requestId is id.
func (e *Envelope) WithCorrelationID(id string) *Envelope {
	c := e.clone()
	c.CorrelationID = id
	return c
}

// Marshal encodes the envelope, writing back the identifiers over the
// original payload.
func (e *Envelope) Marshal() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.fields)+1)
	for k, v := range e.fields {
		out[k] = v
	}

	id, err := json.Marshal(e.RequestID)
	if err != nil {
		return nil, err
	}
	out[fieldRequestID] = id

	if e.CorrelationID != "" || e.resp != nil {
		resp := make(map[string]json.RawMessage, len(e.resp)+1)
		for k, v := range e.resp {
			resp[k] = v
		}
		cid, err := json.Marshal(e.CorrelationID)
		if err != nil {
			return nil, err
		}
		resp[fieldRequestID] = cid

		encoded, err := json.Marshal(resp)
		if err != nil {
			return nil, err
		}
		out[fieldResp] = encoded
	}

	return json.Marshal(out)
}

// Field returns the raw JSON of a top-level member.
func (e *Envelope) Field(name string) (json.RawMessage, bool) {
	v, ok := e.fields[name]
	return v, ok
}

// IsResponse reports whether the envelope carries a correlation pointer.
func (e *Envelope) IsResponse() bool {
	return e.CorrelationID != ""
}

func (e *Envelope) clone() *Envelope {
	c := *e
	return &c
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", WrapError(CodeMalformedEnvelope, err, fmt.Sprintf("%s must be a string", name))
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
