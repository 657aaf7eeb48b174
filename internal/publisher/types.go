package publisher

import (
	"time"

	"github.com/bilal/esphomebot/internal/sensor"
)

// CycleEvent is the JSON payload published for every poll cycle.
type CycleEvent struct {
	CorrelationID string           `json:"correlation_id"`
	Timestamp     time.Time        `json:"timestamp"`
	Source        string           `json:"source"`
	OK            bool             `json:"ok"`
	Readings      []sensor.Reading `json:"readings,omitempty"`
	Error         string           `json:"error,omitempty"`
	Delivered     bool             `json:"delivered"`
}
