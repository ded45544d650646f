// Package publish converts readings to publish records and drains
// them to the broker through a bounded, drop-oldest queue.
package publish

import (
	"strconv"

	"github.com/pibridge/pibridge/internal/presence"
	"github.com/pibridge/pibridge/internal/sensor"
)

// Record is one outgoing message.
type Record struct {
	Topic   string
	Payload []byte
}

// MeasurementRecord maps a measurement to its record. Pure and
// deterministic: identical input always yields an identical record.
// Topic shape is base/<source>/<metric>; the payload is the bare
// decimal value (units are implicit by metric).
func MeasurementRecord(baseTopic string, m sensor.Measurement) Record {
	return Record{
		Topic:   baseTopic + "/" + m.Source + "/" + m.Metric,
		Payload: []byte(strconv.FormatFloat(m.Value, 'f', -1, 64)),
	}
}

// PresenceRecord maps a presence event to its record. Topic shape is
// base/presence/<person>; the payload is the state name.
func PresenceRecord(baseTopic string, e presence.Event) Record {
	return Record{
		Topic:   baseTopic + "/presence/" + e.Person,
		Payload: []byte(e.State.String()),
	}
}
