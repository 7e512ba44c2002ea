package session

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// HostID is an identifier assigned by the host (deck, card or note id).
// The host sends these as JSON numbers; older stored data may carry strings.
// Both decode to the same value, and numeric ids encode back as numbers.
type HostID string

// String returns the id as text.
func (h HostID) String() string { return string(h) }

// Int returns the numeric value of h, if it has one.
func (h HostID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(h), 10, 64)
	return n, err == nil
}

// MarshalJSON encodes numeric ids as JSON numbers, anything else as a string.
func (h HostID) MarshalJSON() ([]byte, error) {
	if n, ok := h.Int(); ok {
		return []byte(strconv.FormatInt(n, 10)), nil
	}
	return json.Marshal(string(h))
}

// UnmarshalJSON accepts a string, a number or null.
func (h *HostID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*h = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*h = HostID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("host id must be a string or number: %w", err)
	}
	// Whole floats such as 1.7e12 collapse to their integer form.
	if _, err := n.Int64(); err != nil {
		if f, ferr := n.Float64(); ferr == nil && f == float64(int64(f)) {
			*h = HostID(strconv.FormatInt(int64(f), 10))
			return nil
		}
	}
	*h = HostID(n.String())
	return nil
}
