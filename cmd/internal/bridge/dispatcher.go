package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wotbridge/cmd/internal/auth"
	"wotbridge/cmd/internal/store"
)

// PermissionControl gates control command dispatch. Admins bypass it.
const PermissionControl = "control"

// ControlCommand is a caller's request to actuate a node.
type ControlCommand struct {
	NodeID string  `json:"node_id"`
	Action string  `json:"action"`
	Value  float64 `json:"value"`
}

// Validate reports whether the command identifies a node and an action.
func (c ControlCommand) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("%w: missing node_id", ErrInvalidCommand)
	}
	if strings.TrimSpace(c.Action) == "" {
		return fmt.Errorf("%w: missing action", ErrInvalidCommand)
	}
	return nil
}

// Dispatcher authorizes control commands, publishes them to the bus, records
// them, and mirrors them to every live session.
type Dispatcher struct {
	log      *slog.Logger
	bus      Bus
	store    store.Store
	registry *Registry

	controlTopicPrefix string
}

// NewDispatcher constructs a Dispatcher publishing under controlTopicPrefix
// (e.g. "wot/control/").
func NewDispatcher(log *slog.Logger, bus Bus, st store.Store, registry *Registry, controlTopicPrefix string) *Dispatcher {
	return &Dispatcher{
		log:                log,
		bus:                bus,
		store:              st,
		registry:           registry,
		controlTopicPrefix: controlTopicPrefix,
	}
}

// Dispatch runs one control command on behalf of caller.
//
// Authorization is checked first; an unauthorized caller produces no bus
// traffic, no stored row, and no fan-out. A bus publish failure is surfaced
// to the caller. A store failure after a successful publish is logged only,
// since the command already reached the device.
func (d *Dispatcher) Dispatch(ctx context.Context, caller auth.Claims, cmd ControlCommand) (store.ControlEvent, error) {
	if !caller.HasPermission(PermissionControl) {
		return store.ControlEvent{}, ErrForbidden
	}
	if err := cmd.Validate(); err != nil {
		return store.ControlEvent{}, err
	}

	ev := store.ControlEvent{
		NodeID:    strings.TrimSpace(cmd.NodeID),
		Action:    strings.TrimSpace(cmd.Action),
		Value:     cmd.Value,
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(map[string]any{
		"action": ev.Action,
		"value":  ev.Value,
	})
	if err != nil {
		return store.ControlEvent{}, fmt.Errorf("bridge: encode control command: %w", err)
	}

	topic := d.controlTopicPrefix + ev.NodeID
	if err := d.bus.Publish(topic, payload); err != nil {
		return store.ControlEvent{}, err
	}

	if err := d.store.AppendControl(ctx, ev); err != nil {
		d.log.Error("dispatcher.persist.fail", "node_id", ev.NodeID, "err", err)
	}

	d.log.Info("dispatcher.control.sent",
		"username", caller.Username, "node_id", ev.NodeID, "action", ev.Action, "value", ev.Value)
	d.registry.Broadcast(ControlCommandFrame(ev), "")
	return ev, nil
}
