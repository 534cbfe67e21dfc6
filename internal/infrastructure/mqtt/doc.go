// Package mqtt provides the broker connection used by the AVR bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and backoff
//   - Publishing receiver state (retained), acks and responses
//   - Wildcard subscriptions that survive reconnects
//   - A last-will message so consumers see the bridge go offline
//
// # Topics
//
// The bridge owns the graylogic/.../denon/... namespace:
//
//	graylogic/state/denon/{receiver}     retained receiver state
//	graylogic/command/denon/{receiver}   inbound commands
//	graylogic/ack/denon/{receiver}       command acknowledgements
//	graylogic/request/denon/{receiver}   inbound state requests
//	graylogic/response/denon/{receiver}  request responses
//	graylogic/health/denon               retained bridge health and LWT
//
// Match and ValidateFilter implement the MQTT wildcard rules for callers
// that route messages themselves.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
//	    Topic:    "graylogic/health/denon",
//	    Payload:  lwt,
//	    QoS:      1,
//	    Retained: true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("graylogic/command/denon/+", 1,
//	    func(topic string, payload []byte) error {
//	        return bridge.HandleCommand(topic, payload)
//	    })
package mqtt
