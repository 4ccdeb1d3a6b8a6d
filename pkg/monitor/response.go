package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gitlab.com/tozd/go/errors"
)

var (
	ErrUnavailable   = errors.Base("monitor unavailable")
	ErrCommandFailed = errors.Base("monitor command failed")
)

// Kind tags a decoded monitor reply.
type Kind int

const (
	KindMalformed Kind = iota
	KindSuccess
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	default:
		return "malformed"
	}
}

// QMPError is the body of an {"error": ...} reply.
type QMPError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

// Response is one reply frame. Raw always holds the bytes as received.
type Response struct {
	Kind   Kind
	Return json.RawMessage
	Error  *QMPError
	Raw    []byte
}

// Decode classifies a reply frame. It never fails: anything that is not a
// return or error object is KindMalformed, and so is a null return.
func Decode(raw []byte) Response {
	resp := Response{Kind: KindMalformed, Raw: bytes.TrimSpace(raw)}

	var frame struct {
		Return json.RawMessage `json:"return"`
		Error  *QMPError       `json:"error"`
	}
	if err := json.Unmarshal(resp.Raw, &frame); err != nil {
		return resp
	}

	switch {
	case frame.Error != nil:
		resp.Kind = KindError
		resp.Error = frame.Error
	case frame.Return != nil && !bytes.Equal(bytes.TrimSpace(frame.Return), []byte("null")):
		resp.Kind = KindSuccess
		resp.Return = frame.Return
	}
	return resp
}

// Text returns the return value when it is a JSON string, which is how
// human-monitor-command reports its output.
func (r Response) Text() (string, bool) {
	if r.Kind != KindSuccess {
		return "", false
	}
	var s string
	if err := json.Unmarshal(r.Return, &s); err != nil {
		return "", false
	}
	return s, true
}

// Empty reports a success whose return value is {} or "". HMP commands
// that fail still answer with a return, carrying the error text.
func (r Response) Empty() bool {
	if r.Kind != KindSuccess {
		return false
	}
	if s, ok := r.Text(); ok {
		return strings.TrimSpace(s) == ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(r.Return, &obj); err != nil {
		return false
	}
	return len(obj) == 0
}

// CommandError carries the raw reply of a command the monitor rejected.
type CommandError struct {
	Command  string
	Response Response
}

func (e *CommandError) Error() string {
	detail := string(e.Response.Raw)
	switch {
	case e.Response.Error != nil:
		detail = e.Response.Error.Desc
	case e.Response.Kind == KindSuccess:
		if s, ok := e.Response.Text(); ok {
			detail = strings.TrimSpace(s)
		}
	}
	return fmt.Sprintf("%s: %q (%s): %s", ErrCommandFailed, e.Command, e.Response.Kind, detail)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}
