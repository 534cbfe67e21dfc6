package denon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout bounds a single command, including volume-limit reads.
	commandTimeout = 10 * time.Second

	// storeTimeout bounds persistence of a single state change or command.
	storeTimeout = 2 * time.Second

	// changeQueueSize is the capacity of the state change queue.
	changeQueueSize = 256

	// StateChangedChannel is the websocket channel for state changes.
	StateChangedChannel = "receiver.state_changed"

	// telemetryMeasurement is the InfluxDB measurement for receiver state.
	telemetryMeasurement = "receiver_state"

	// commandMeasurement is the InfluxDB measurement for command outcomes.
	commandMeasurement = "receiver_command"
)

// Config is the bridge configuration.
type Config struct {
	// BridgeID identifies this bridge in health messages.
	BridgeID string

	// Version is reported in health messages.
	Version string

	HealthInterval  time.Duration
	CallbackTimeout time.Duration
	ProbeTimeout    time.Duration

	Receivers []ReceiverConfig
}

// Validate checks the bridge configuration.
func (c *Config) Validate() error {
	var errs []string
	if c.BridgeID == "" {
		errs = append(errs, "bridge id is required")
	}
	seen := make(map[string]bool, len(c.Receivers))
	for _, rc := range c.Receivers {
		if err := rc.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		if seen[rc.ID] {
			errs = append(errs, fmt.Sprintf("duplicate receiver id %q", rc.ID))
		}
		seen[rc.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid bridge config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MQTTClient is the subset of MQTT operations the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// StateStore persists receiver state and command outcomes.
// *SQLiteStateStore satisfies it.
type StateStore interface {
	SaveState(ctx context.Context, receiverID string, mode ControlMode, state ReceiverState) error
	LoadState(ctx context.Context, receiverID string) (ReceiverState, bool, error)
	RecordCommand(ctx context.Context, rec CommandRecord) error
}

// MetricsWriter receives receiver telemetry. *influxdb.Client satisfies it.
type MetricsWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]interface{})
}

// StateBroadcaster pushes state changes to live subscribers. *api.Hub satisfies it.
type StateBroadcaster interface {
	Broadcast(channel string, payload any)
}

// ClientFactory creates a protocol client. New is the default.
type ClientFactory func(mode ControlMode, serial, host string, opts Options) (Client, error)

// BridgeOptions holds the dependencies of a bridge.
type BridgeOptions struct {
	Config     *Config
	MQTTClient MQTTClient
	Logger     Logger

	// Store, Metrics and Broadcaster are optional sinks for state changes.
	Store       StateStore
	Metrics     MetricsWriter
	Broadcaster StateBroadcaster

	// Prober resolves receivers configured with ModeAuto. Defaults to a
	// Prober with Config.ProbeTimeout.
	Prober *Prober

	// ClientFactory defaults to New.
	ClientFactory ClientFactory
}

// ReceiverInfo describes a receiver for listings.
type ReceiverInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Host        string        `json:"host"`
	ControlMode string        `json:"control_mode"`
	VolumeLimit int           `json:"volume_limit,omitempty"`
	State       ReceiverState `json:"state"`
}

// Bridge exposes configured receivers over MQTT and to the API.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg         *Config
	mqtt        MQTTClient
	store       StateStore
	metrics     MetricsWriter
	broadcaster StateBroadcaster
	prober      *Prober
	newClient   ClientFactory
	health      *HealthReporter
	logger      Logger

	receivers   map[string]*Receiver
	order       []string
	receiversMu sync.RWMutex

	changes chan StateChange

	done      chan struct{}
	wg        sync.WaitGroup
	spawnMu   sync.Mutex
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewBridge creates a bridge. Call Start to connect receivers and subscribe.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	prober := opts.Prober
	if prober == nil {
		prober = &Prober{Timeout: opts.Config.ProbeTimeout, Logger: logger}
	}
	newClient := opts.ClientFactory
	if newClient == nil {
		newClient = New
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:         opts.Config,
		mqtt:        opts.MQTTClient,
		store:       opts.Store,
		metrics:     opts.Metrics,
		broadcaster: opts.Broadcaster,
		prober:      prober,
		newClient:   newClient,
		logger:      logger,
		receivers:   make(map[string]*Receiver),
		changes:     make(chan StateChange, changeQueueSize),
		done:        make(chan struct{}),
		ctx:         ctx,
		ctxCancel:   cancel,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.BridgeID,
		Version:   opts.Config.Version,
		Interval:  opts.Config.HealthInterval,
		Publisher: opts.MQTTClient,
		Receivers: b,
	})
	b.health.SetLogger(logger)

	return b, nil
}

// Health returns the bridge's health reporter.
func (b *Bridge) Health() *HealthReporter {
	return b.health
}

// Start resolves control modes, connects receivers, subscribes to command
// and request topics and starts health reporting. Receivers that fail to
// connect are kept and reconnect lazily on their next command.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Error("failed to publish starting status", "error", err)
	}

	b.spawn(b.changeLoop)

	modes, err := b.resolveModes(ctx)
	if err != nil {
		return err
	}

	for _, rc := range b.cfg.Receivers {
		mode, ok := modes[rc.ID]
		if !ok {
			continue
		}
		rc.ControlMode = mode
		if err := b.addReceiver(ctx, rc); err != nil {
			b.logger.Error("receiver not added", "receiver", rc.ID, "error", err)
		}
	}

	if err := b.mqtt.Subscribe(CommandSubscribeTopic(), 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", CommandSubscribeTopic())

	if err := b.mqtt.Subscribe(RequestSubscribeTopic(), 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logger.Info("subscribed to requests", "topic", RequestSubscribeTopic())

	b.connectAll()
	b.health.Start(ctx)

	b.logger.Info("bridge started", "bridge_id", b.cfg.BridgeID, "receivers", len(b.receiverList()))
	return nil
}

// resolveModes returns the control mode of every receiver, probing those
// configured with ModeAuto concurrently. Receivers that cannot be probed are
// left out and logged.
func (b *Bridge) resolveModes(ctx context.Context) (map[string]ControlMode, error) {
	modes := make(map[string]ControlMode, len(b.cfg.Receivers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, rc := range b.cfg.Receivers {
		if rc.ControlMode != ModeAuto {
			modes[rc.ID] = rc.ControlMode
			continue
		}
		g.Go(func() error {
			mode, err := b.prober.Resolve(gctx, rc.Host)
			if err != nil {
				b.logger.Warn("control mode probing failed", "receiver", rc.ID, "host", rc.Host, "error", err)
				return nil
			}
			b.logger.Info("control mode resolved", "receiver", rc.ID, "mode", mode.String())
			mu.Lock()
			modes[rc.ID] = mode
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("resolving control modes: %w", err)
	}
	return modes, nil
}

func (b *Bridge) addReceiver(ctx context.Context, rc ReceiverConfig) error {
	r, err := NewReceiver(rc, b.newClient, b.logger, b.cfg.CallbackTimeout, b.enqueueChange)
	if err != nil {
		return err
	}

	if b.store != nil {
		st, ok, err := b.store.LoadState(ctx, rc.ID)
		if err != nil {
			b.logger.Warn("failed to load persisted state", "receiver", rc.ID, "error", err)
		} else if ok {
			r.Restore(st)
		}
	}

	b.receiversMu.Lock()
	b.receivers[rc.ID] = r
	b.order = append(b.order, rc.ID)
	b.receiversMu.Unlock()
	return nil
}

// connectAll connects every receiver and reads its initial state in the
// background.
func (b *Bridge) connectAll() {
	for _, r := range b.receiverList() {
		b.spawn(func() {
			if err := r.Connect(b.ctx); err != nil {
				b.logger.Warn("receiver connect failed", "receiver", r.ID(), "error", err)
				return
			}
			if _, err := r.ReadState(b.ctx); err != nil {
				b.logger.Warn("initial state read failed", "receiver", r.ID(), "error", err)
			}
		})
	}
}

// spawn runs fn on a goroutine that Stop waits for. It returns false, without
// running fn, once the bridge is stopping.
func (b *Bridge) spawn(fn func()) bool {
	b.spawnMu.Lock()
	defer b.spawnMu.Unlock()
	select {
	case <-b.done:
		return false
	default:
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

// Stop gracefully shuts down the bridge and closes all receiver connections.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.spawnMu.Lock()
		close(b.done)
		b.spawnMu.Unlock()
		b.ctxCancel()
		b.health.Stop()

		for _, r := range b.receiverList() {
			if err := r.Close(); err != nil {
				b.logger.Warn("receiver close failed", "receiver", r.ID(), "error", err)
			}
		}

		b.wg.Wait()
		b.logger.Info("bridge stopped")
	})
}

func (b *Bridge) receiverList() []*Receiver {
	b.receiversMu.RLock()
	defer b.receiversMu.RUnlock()
	out := make([]*Receiver, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.receivers[id])
	}
	return out
}

func (b *Bridge) receiver(id string) (*Receiver, error) {
	b.receiversMu.RLock()
	r, ok := b.receivers[id]
	b.receiversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownReceiver, id)
	}
	return r, nil
}

// Receivers lists all receivers in configuration order.
func (b *Bridge) Receivers() []ReceiverInfo {
	list := b.receiverList()
	out := make([]ReceiverInfo, 0, len(list))
	for _, r := range list {
		out = append(out, receiverInfo(r))
	}
	return out
}

// Receiver describes one receiver.
func (b *Bridge) Receiver(id string) (ReceiverInfo, error) {
	r, err := b.receiver(id)
	if err != nil {
		return ReceiverInfo{}, err
	}
	return receiverInfo(r), nil
}

func receiverInfo(r *Receiver) ReceiverInfo {
	cfg := r.Config()
	return ReceiverInfo{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Host:        cfg.Host,
		ControlMode: r.Client().ControlMode().String(),
		VolumeLimit: cfg.VolumeLimit,
		State:       r.State(),
	}
}

// InputSources returns the selectable inputs of a receiver.
func (b *Bridge) InputSources(id string) ([]InputSource, error) {
	r, err := b.receiver(id)
	if err != nil {
		return nil, err
	}
	return r.Client().InputSources(), nil
}

// RefreshState reads every field of a receiver from the device.
func (b *Bridge) RefreshState(ctx context.Context, id string) (ReceiverState, error) {
	r, err := b.receiver(id)
	if err != nil {
		return ReceiverState{}, err
	}
	return r.ReadState(ctx)
}

// ReceiverHealth implements ReceiverHealthSource.
func (b *Bridge) ReceiverHealth() []ReceiverHealth {
	list := b.receiverList()
	out := make([]ReceiverHealth, 0, len(list))
	for _, r := range list {
		c := r.Client()
		out = append(out, ReceiverHealth{
			ID:          r.ID(),
			ControlMode: c.ControlMode().String(),
			Connected:   c.IsConnected(),
			Protocols:   c.Stats(),
		})
	}
	return out
}

// ExecuteCommand runs cmd against its receiver, publishes the ack and records
// the outcome. Missing ids and timestamps are filled in.
func (b *Bridge) ExecuteCommand(ctx context.Context, cmd CommandMessage) AckMessage {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}

	b.logger.Info("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command,
		"source", cmd.Source)

	start := time.Now()
	var ack AckMessage
	r, err := b.receiver(cmd.DeviceID)
	if err == nil {
		ctx, cancel := context.WithTimeout(ctx, commandTimeout)
		var result map[string]any
		result, err = r.Execute(ctx, cmd.Command, cmd.Parameters)
		cancel()
		if err == nil {
			ack = NewAckMessage(cmd, result)
		}
	}
	if err != nil {
		ack = NewAckError(cmd, err)
		b.logger.Warn("command failed",
			"command_id", cmd.ID,
			"device_id", cmd.DeviceID,
			"command", cmd.Command,
			"code", ack.Error.Code,
			"error", err)
	}

	b.publishAck(ack)
	b.recordCommand(cmd, ack)
	b.writeCommandMetric(cmd, ack, time.Since(start))
	return ack
}

func (b *Bridge) writeCommandMetric(cmd CommandMessage, ack AckMessage, latency time.Duration) {
	if b.metrics == nil {
		return
	}
	b.metrics.WritePoint(commandMeasurement,
		map[string]string{
			"receiver_id": cmd.DeviceID,
			"command":     cmd.Command,
			"status":      string(ack.Status),
		},
		map[string]interface{}{
			"latency_ms": float64(latency.Microseconds()) / 1000,
		},
	)
}

func (b *Bridge) recordCommand(cmd CommandMessage, ack AckMessage) {
	if b.store == nil {
		return
	}
	rec := CommandRecord{
		CommandID:  cmd.ID,
		ReceiverID: cmd.DeviceID,
		Command:    cmd.Command,
		Parameters: cmd.Parameters,
		Source:     cmd.Source,
		Status:     ack.Status,
		CreatedAt:  cmd.Timestamp,
	}
	if ack.Error != nil {
		rec.ErrorCode = ack.Error.Code
	}
	ctx, cancel := context.WithTimeout(b.ctx, storeTimeout)
	defer cancel()
	if err := b.store.RecordCommand(ctx, rec); err != nil {
		b.logger.Warn("failed to record command", "command_id", cmd.ID, "error", err)
	}
}

// handleMQTTMessage routes incoming MQTT messages by topic category.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logger.Error("invalid topic format", "topic", topic)
		return
	}

	switch parts[1] {
	case "command":
		b.handleCommand(parts, payload)
	case "request":
		b.handleRequest(payload)
	default:
		b.logger.Error("unknown message type", "type", parts[1], "topic", topic)
	}
}

func (b *Bridge) handleCommand(topicParts []string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Error("failed to parse command", "error", err)
		return
	}
	if cmd.DeviceID == "" && len(topicParts) > minTopicParts {
		cmd.DeviceID = topicParts[len(topicParts)-1]
	}
	if cmd.Source == "" {
		cmd.Source = "mqtt"
	}

	if !b.spawn(func() { b.ExecuteCommand(b.ctx, cmd) }) {
		b.logger.Debug("bridge stopping, command dropped", "command_id", cmd.ID, "receiver", cmd.DeviceID)
	}
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(AckTopic(ack.DeviceID), payload, 1, false); err != nil {
		b.logger.Error("failed to publish ack", "error", err)
	}
}

func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logger.Error("failed to parse request", "error", err)
		return
	}

	b.logger.Info("received request", "request_id", req.RequestID, "action", req.Action)

	started := b.spawn(func() {
		var resp ResponseMessage
		switch req.Action {
		case ActionReadState:
			resp = b.handleReadState(req)
		case ActionListReceivers:
			resp = newResponse(req, map[string]any{"receivers": b.Receivers()})
		default:
			resp = newErrorResponse(req, fmt.Errorf("%w: action %q", ErrUnknownCommand, req.Action))
		}

		respPayload, err := json.Marshal(resp)
		if err != nil {
			b.logger.Error("failed to marshal response", "error", err)
			return
		}
		if err := b.mqtt.Publish(ResponseTopic(req.RequestID), respPayload, 1, false); err != nil {
			b.logger.Error("failed to publish response", "error", err)
		}
	})
	if !started {
		b.logger.Debug("bridge stopping, request dropped", "request_id", req.RequestID)
	}
}

func (b *Bridge) handleReadState(req RequestMessage) ResponseMessage {
	if req.DeviceID == "" {
		return newErrorResponse(req, fmt.Errorf("%w: device_id is required", ErrInvalidArgument))
	}
	st, err := b.RefreshState(b.ctx, req.DeviceID)
	if err != nil {
		return newErrorResponse(req, err)
	}
	return newResponse(req, map[string]any{
		"device_id": req.DeviceID,
		"state":     st,
	})
}

// enqueueChange hands a state change to the change loop. It runs on
// connection read goroutines and never blocks.
func (b *Bridge) enqueueChange(c StateChange) {
	select {
	case b.changes <- c:
	default:
		b.logger.Warn("state change queue full, dropping change", "receiver", c.ReceiverID, "field", c.Field)
	}
}

// changeLoop fans state changes out to MQTT, the store, telemetry and the
// websocket hub.
func (b *Bridge) changeLoop() {
	for {
		select {
		case <-b.done:
			return
		case c := <-b.changes:
			b.publishChange(c)
		}
	}
}

func (b *Bridge) publishChange(c StateChange) {
	payload, err := json.Marshal(NewStateMessage(c.ReceiverID, c.State))
	if err != nil {
		b.logger.Error("failed to marshal state", "error", err)
	} else if err := b.mqtt.Publish(StateTopic(c.ReceiverID), payload, 1, true); err != nil {
		b.logger.Error("failed to publish state", "receiver", c.ReceiverID, "error", err)
	}

	mode := ModeAuto
	if r, err := b.receiver(c.ReceiverID); err == nil {
		mode = r.Client().ControlMode()
	}

	if b.store != nil {
		ctx, cancel := context.WithTimeout(b.ctx, storeTimeout)
		if err := b.store.SaveState(ctx, c.ReceiverID, mode, c.State); err != nil {
			b.logger.Warn("failed to persist state", "receiver", c.ReceiverID, "error", err)
		}
		cancel()
	}

	if b.metrics != nil {
		b.metrics.WritePoint(telemetryMeasurement,
			map[string]string{
				"receiver_id":  c.ReceiverID,
				"control_mode": mode.String(),
			},
			telemetryFields(c),
		)
	}

	if b.broadcaster != nil {
		b.broadcaster.Broadcast(StateChangedChannel, StateChangedEvent{
			ReceiverID: c.ReceiverID,
			Field:      c.Field,
			Value:      c.Value,
			State:      c.State,
		})
	}
}

// telemetryFields converts a change to InfluxDB fields. Booleans become 0/1
// so they can be graphed alongside volume.
func telemetryFields(c StateChange) map[string]interface{} {
	switch v := c.Value.(type) {
	case bool:
		n := 0
		if v {
			n = 1
		}
		return map[string]interface{}{c.Field: n}
	default:
		return map[string]interface{}{c.Field: v}
	}
}
