package denon

import (
	"errors"
	"fmt"
	"time"
)

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "denon"

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandMessage is sent to the bridge to change a receiver's state.
// Topic: graylogic/command/denon/{receiver_id}
type CommandMessage struct {
	// ID uniquely identifies this command for ack correlation.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the receiver id from configuration.
	DeviceID string `json:"device_id"`

	// Command is the operation, e.g. "set_volume" or "toggle_playback".
	Command string `json:"command"`

	// Parameters contains command-specific values.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source identifies the origin (api, mqtt, automation).
	Source string `json:"source,omitempty"`
}

// Supported commands.
const (
	CmdPowerOn        = "power_on"
	CmdPowerOff       = "power_off"
	CmdSetPower       = "set_power"
	CmdMute           = "mute"
	CmdUnmute         = "unmute"
	CmdSetMute        = "set_mute"
	CmdSetVolume      = "set_volume"
	CmdVolumeUp       = "volume_up"
	CmdVolumeDown     = "volume_down"
	CmdSetInput       = "set_input"
	CmdPlay           = "play"
	CmdPause          = "pause"
	CmdStop           = "stop"
	CmdSetPlaying     = "set_playing"
	CmdTogglePlayback = "toggle_playback"
	CmdNext           = "next"
	CmdPrevious       = "previous"
)

// AckStatus represents the outcome of a command.
type AckStatus string

// Ack statuses.
const (
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
	AckTimeout  AckStatus = "timeout"
)

// AckMessage is published after a command has been executed.
// Topic: graylogic/ack/denon/{receiver_id}
type AckMessage struct {
	CommandID string         `json:"command_id"`
	Timestamp time.Time      `json:"timestamp"`
	DeviceID  string         `json:"device_id"`
	Status    AckStatus      `json:"status"`
	Protocol  string         `json:"protocol"`
	Result    map[string]any `json:"result,omitempty"`
	Error     *AckError      `json:"error,omitempty"`
}

// AckError carries the reason a command failed.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in acks and responses.
const (
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeNotSupported      = "NOT_SUPPORTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeConnectionFailed  = "CONNECTION_FAILED"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeDeviceRejected    = "DEVICE_REJECTED"
	ErrCodeBusy              = "BUSY"
)

// ErrorCode maps an error to its ack/response code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownReceiver):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrUnknownCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrBusy):
		return ErrCodeBusy
	}
	switch KindOf(err) {
	case KindResponseTimeout, KindCallerTimeout:
		return ErrCodeTimeout
	case KindInvalidResponse:
		return ErrCodeProtocolError
	case KindCommandFailed:
		return ErrCodeDeviceRejected
	case KindUnsupported:
		return ErrCodeNotSupported
	case KindInvalidArgument:
		return ErrCodeInvalidParameters
	default:
		return ErrCodeConnectionFailed
	}
}

// NewAckMessage creates a successful acknowledgment for cmd.
func NewAckMessage(cmd CommandMessage, result map[string]any) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    AckAccepted,
		Protocol:  Protocol,
		Result:    result,
	}
}

// NewAckError creates a failed acknowledgment for cmd.
func NewAckError(cmd CommandMessage, err error) AckMessage {
	code := ErrorCode(err)
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Error:     &AckError{Code: code, Message: err.Error()},
	}
}

// StateMessage carries a receiver's cached state.
// Topic: graylogic/state/denon/{receiver_id} (retained)
type StateMessage struct {
	DeviceID  string        `json:"device_id"`
	Timestamp time.Time     `json:"timestamp"`
	Protocol  string        `json:"protocol"`
	State     ReceiverState `json:"state"`
}

// NewStateMessage creates a state message for a receiver.
func NewStateMessage(deviceID string, state ReceiverState) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		Protocol:  Protocol,
		State:     state,
	}
}

// StateChangedEvent is broadcast on StateChangedChannel for every observed
// field change. State is the full cached state after the change.
type StateChangedEvent struct {
	ReceiverID string        `json:"receiver_id"`
	Field      string        `json:"field"`
	Value      any           `json:"value"`
	State      ReceiverState `json:"state"`
}

// RequestMessage asks the bridge for information.
// Topic: graylogic/request/denon/{request_id}
type RequestMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Action is "read_state" or "list_receivers".
	Action   string `json:"action"`
	DeviceID string `json:"device_id,omitempty"`
}

// Request actions.
const (
	ActionReadState     = "read_state"
	ActionListReceivers = "list_receivers"
)

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/response/denon/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *AckError      `json:"error,omitempty"`
}

func newResponse(req RequestMessage, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

func newErrorResponse(req RequestMessage, err error) ResponseMessage {
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   false,
		Error:     &AckError{Code: ErrorCode(err), Message: err.Error()},
	}
}

// HealthStatus represents the bridge's overall health.
type HealthStatus string

// Health statuses.
const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStopping HealthStatus = "stopping"
	HealthOffline  HealthStatus = "offline"
)

// HealthMessage is published periodically and as the MQTT last will.
// Topic: graylogic/health/denon (retained)
type HealthMessage struct {
	Bridge        string           `json:"bridge"`
	Timestamp     time.Time        `json:"timestamp"`
	Status        HealthStatus     `json:"status"`
	Reason        string           `json:"reason,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds,omitempty"`
	Receivers     []ReceiverHealth `json:"receivers,omitempty"`
}

// ReceiverHealth is the connectivity summary of one receiver.
type ReceiverHealth struct {
	ID          string           `json:"id"`
	ControlMode string           `json:"control_mode"`
	Connected   bool             `json:"connected"`
	Protocols   map[string]Stats `json:"protocols,omitempty"`
}

// NewLWTMessage creates the last-will message for unexpected disconnects.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// CommandTopic returns the command topic of a receiver.
// Example: graylogic/command/denon/living-room-avr
func CommandTopic(receiverID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, receiverID)
}

// AckTopic returns the ack topic of a receiver.
func AckTopic(receiverID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, receiverID)
}

// StateTopic returns the state topic of a receiver.
func StateTopic(receiverID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, receiverID)
}

// RequestTopic returns the topic of a request.
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/%s/%s", TopicPrefix, Protocol, requestID)
}

// ResponseTopic returns the topic of a response.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, Protocol, requestID)
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// CommandSubscribeTopic matches commands to every receiver.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// RequestSubscribeTopic matches every request.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/%s/+", TopicPrefix, Protocol)
}
