package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
)

// maxLineBytes bounds one inbound line. A full session list travels in one line.
const maxLineBytes = 32 * 1024 * 1024

// Call is one outbound line on the stdio channel.
type Call struct {
	Method  string `json:"method"`
	Payload any    `json:"payload,omitempty"`
}

// StdioHost speaks newline-delimited JSON: outbound calls are written to w,
// inbound events are read by Serve.
type StdioHost struct {
	mu  sync.Mutex
	enc *json.Encoder

	capsMu sync.RWMutex
	caps   map[string]bool // nil until the host announces its capabilities
}

// NewStdioHost writes outbound calls to w.
func NewStdioHost(w io.Writer) *StdioHost {
	return &StdioHost{enc: json.NewEncoder(w)}
}

// Call implements Host.
func (h *StdioHost) Call(method string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enc.Encode(Call{Method: method, Payload: payload})
}

// Supports implements CapabilityReporter. Before any capabilities event
// every method is assumed present.
func (h *StdioHost) Supports(method string) bool {
	h.capsMu.RLock()
	defer h.capsMu.RUnlock()
	if h.caps == nil {
		return true
	}
	return h.caps[method]
}

// SetCapabilities implements CapabilitySetter.
func (h *StdioHost) SetCapabilities(methods []string) {
	caps := make(map[string]bool, len(methods))
	for _, m := range methods {
		caps[m] = true
	}
	h.capsMu.Lock()
	h.caps = caps
	h.capsMu.Unlock()
}

// Serve reads inbound events from r, one JSON object per line, and
// dispatches them in order until r is exhausted or ctx is done.
// Malformed lines are dropped by the adapter.
func Serve(ctx context.Context, r io.Reader, a *Adapter) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		_ = a.Dispatch(line)
	}
	return scanner.Err()
}
