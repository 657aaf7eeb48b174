// Package format renders sensor readings and failures as chat text.
package format

import (
	"strings"

	"github.com/bilal/esphomebot/internal/sensor"
)

// Placeholder stands in for a reading without a state.
const Placeholder = "n/a"

const Help = "Hi! I relay readings from the ESPHome node to you.\n" +
	"Send /sensors and I will query the sensors and reply with what they report."

// line breaks inside a field would split one reading over several lines
var flatten = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// Formatter strips the ESPHome id prefix ("sensor-") when present.
type Formatter struct {
	IDPrefix string
}

// Readings renders one "id = state" line per reading, in batch order.
func (f Formatter) Readings(batch sensor.Batch) string {
	var b strings.Builder
	for _, r := range batch {
		b.WriteString(flatten.Replace(f.id(r)))
		b.WriteString(" = ")
		if r.State == "" {
			b.WriteString(Placeholder)
		} else {
			b.WriteString(flatten.Replace(r.State))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func (f Formatter) id(r sensor.Reading) string {
	id := r.ID
	if f.IDPrefix != "" {
		id = strings.TrimPrefix(id, f.IDPrefix)
	}
	if id == "" {
		id = r.Endpoint
	}
	if id == "" {
		return Placeholder
	}
	return id
}

// Error is the diagnostic sent instead of readings when a cycle fails.
func Error(err error) string {
	return "Failed to get sensor data: " + err.Error()
}
