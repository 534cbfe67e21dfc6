// Package influxdb writes receiver telemetry to InfluxDB v2.
//
// Every state change the bridge observes becomes a receiver_state point and
// every executed command a receiver_command point, so volume, power and
// command latency can be graphed per receiver. Writes are batched by the
// client library according to influxdb.batch_size and flush_interval.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	switch {
//	case errors.Is(err, influxdb.ErrDisabled):
//	    // run without telemetry
//	case err != nil:
//	    return err
//	}
//	defer client.Close()
//
//	client.SetOnError(func(err error) {
//	    logger.Warn("telemetry write failed", "error", err)
//	})
//
// Client satisfies the bridge's MetricsWriter interface.
package influxdb
