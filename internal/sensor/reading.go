// Package sensor fetches readings from the ESPHome REST API.
package sensor

import (
	"encoding/json"
	"strings"
)

// Reading is one sensor response, e.g.
//
//	{"id":"sensor-dht_temp","value":22.0,"state":"22.0 °C"}
type Reading struct {
	ID    string   `json:"id"`
	State string   `json:"state"`
	Value *float64 `json:"value,omitempty"`

	// Endpoint the reading was fetched from. Not part of the response body.
	Endpoint string `json:"endpoint,omitempty"`
}

// Batch holds one reading per configured endpoint, in endpoint order.
type Batch []Reading

// UnmarshalJSON accepts a state sent as a string, number or bool.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    string          `json:"id"`
		State json.RawMessage `json:"state"`
		Value *float64        `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.ID = raw.ID
	r.Value = raw.Value
	r.State = ""

	state := strings.TrimSpace(string(raw.State))
	switch {
	case state == "" || state == "null":
	case state[0] == '"':
		if err := json.Unmarshal(raw.State, &r.State); err != nil {
			return err
		}
	default:
		r.State = state
	}
	return nil
}
