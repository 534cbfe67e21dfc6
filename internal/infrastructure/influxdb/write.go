package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint queues a point stamped with the current time.
//
// The bridge writes two measurements:
//
//	receiver_state   tags receiver_id, control_mode; one field per changed state key
//	receiver_command tags receiver_id, command, status; field latency_ms
//
// Keep tags low-cardinality: receiver ids and command names, never values.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime queues a point with an explicit timestamp. Nil field
// values are skipped; a point left without fields, or written after Close,
// is dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	fields = usableFields(fields)
	if !c.IsConnected() || len(fields) == 0 {
		c.dropped.Add(1)
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
	c.queued.Add(1)
}

// usableFields returns fields without nil values, copying only when one
// has to be removed.
func usableFields(fields map[string]interface{}) map[string]interface{} {
	hasNil := false
	for _, v := range fields {
		if v == nil {
			hasNil = true
			break
		}
	}
	if !hasNil {
		return fields
	}

	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
