package bridge

import (
	"encoding/json"
	"sync"
)

// RecordingHost records outbound calls. It backs tests and dry runs.
type RecordingHost struct {
	mu          sync.Mutex
	calls       []Call
	unsupported map[string]bool
	fail        map[string]error
}

// NewRecordingHost returns a host that supports every method except the given ones.
func NewRecordingHost(unsupported ...string) *RecordingHost {
	h := &RecordingHost{unsupported: map[string]bool{}, fail: map[string]error{}}
	for _, m := range unsupported {
		h.unsupported[m] = true
	}
	return h
}

// Call implements Host. The payload is kept as its JSON encoding.
func (h *RecordingHost) Call(method string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail[method]; err != nil {
		return err
	}
	raw, _ := json.Marshal(payload)
	h.calls = append(h.calls, Call{Method: method, Payload: json.RawMessage(raw)})
	return nil
}

// Supports implements CapabilityReporter.
func (h *RecordingHost) Supports(method string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.unsupported[method]
}

// FailOn makes calls to method return err.
func (h *RecordingHost) FailOn(method string, err error) {
	h.mu.Lock()
	h.fail[method] = err
	h.mu.Unlock()
}

// Calls returns every recorded call.
func (h *RecordingHost) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// CallsTo returns the recorded calls to method.
func (h *RecordingHost) CallsTo(method string) []Call {
	var out []Call
	for _, c := range h.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the most recent call to method and decodes its payload into v (if non-nil).
func (h *RecordingHost) Last(method string, v any) bool {
	calls := h.CallsTo(method)
	if len(calls) == 0 {
		return false
	}
	if v != nil {
		raw, _ := calls[len(calls)-1].Payload.(json.RawMessage)
		if err := json.Unmarshal(raw, v); err != nil {
			return false
		}
	}
	return true
}

// Reset forgets recorded calls.
func (h *RecordingHost) Reset() {
	h.mu.Lock()
	h.calls = nil
	h.mu.Unlock()
}
