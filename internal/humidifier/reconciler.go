package humidifier

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/zorak1103/ha-humidifier/internal/homeassistant"
	"github.com/zorak1103/ha-humidifier/internal/logging"
)

const fanDomain = "fan"

// StateReader reads the current state of a source entity.
type StateReader interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.Entity, error)
}

// ServiceCaller forwards commands to the source fan.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) ([]homeassistant.Entity, error)
}

// Publisher makes the composite state visible to Home Assistant.
type Publisher interface {
	Publish(ctx context.Context, state State) error
}

// Sources are the canonical entity ids a humidifier is built from.
// Function is empty when no Function select was found.
type Sources struct {
	Fan      string
	Humidity string
	Function string
}

// EntityIDs returns the configured source ids.
func (s Sources) EntityIDs() []string {
	ids := []string{s.Fan, s.Humidity}
	if s.Function != "" {
		ids = append(ids, s.Function)
	}
	return ids
}

// Reconciler derives the composite state from its three sources and forwards
// commands to the fan. Each source event only touches the fields that source
// owns; the action is recomputed by both the fan and the Function select. A
// fan that turns on keeps the previous action until the function is known.
type Reconciler struct {
	sources   Sources
	reader    StateReader
	caller    ServiceCaller
	publisher Publisher
	logger    *logging.Logger

	initMu sync.Mutex // serializes Initialize

	mu           sync.Mutex
	state        State
	initializing bool
	pending      []sourceChange
}

// sourceChange is a source event received while Initialize was reading.
type sourceChange struct {
	entityID string
	newState *homeassistant.Entity
}

// NewReconciler creates a reconciler in the unavailable state.
// Call Initialize to backfill it from the sources.
func NewReconciler(sources Sources, reader StateReader, caller ServiceCaller, publisher Publisher, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reconciler{
		sources:   sources,
		reader:    reader,
		caller:    caller,
		publisher: publisher,
		logger:    logger,
		state:     unavailableState(),
	}
}

// Sources returns the entity ids this reconciler follows.
func (r *Reconciler) Sources() Sources {
	return r.sources
}

// Snapshot returns a copy of the current composite state.
func (r *Reconciler) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Initialize reads every source and replaces the composite state, then
// publishes it. A source that cannot be read or reports unavailable makes the
// whole composite unavailable. A locally set target humidity survives.
//
// Source events that arrive while the sources are being read are held back
// and applied in order on top of the fresh state.
func (r *Reconciler) Initialize(ctx context.Context) State {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.Lock()
	r.initializing = true
	r.pending = nil
	r.mu.Unlock()

	st := r.readSources(ctx)

	r.mu.Lock()
	st.TargetHumidity = r.state.TargetHumidity
	r.state = st
	replayed := len(r.pending)
	for _, c := range r.pending {
		r.applyLocked(c.entityID, c.newState)
	}
	r.pending = nil
	r.initializing = false
	snapshot := r.state.Clone()
	r.mu.Unlock()

	r.logger.Debug("Humidifier initialized",
		"available", snapshot.Available,
		"is_on", snapshot.IsOn,
		"mode", snapshot.Mode,
		"action", snapshot.Action,
		"replayed", replayed)
	r.publish(ctx, snapshot)
	return snapshot
}

func (r *Reconciler) readSources(ctx context.Context) State {
	fan, ok := r.readSource(ctx, r.sources.Fan)
	if !ok {
		return unavailableState()
	}
	sensor, ok := r.readSource(ctx, r.sources.Humidity)
	if !ok {
		return unavailableState()
	}

	st := State{Available: true}
	st.applyFan(fan)
	st.applyHumidity(sensor)

	if r.sources.Function != "" {
		fn, ok := r.readSource(ctx, r.sources.Function)
		if !ok {
			return unavailableState()
		}
		st.Function = ParseFunction(fn.State)
	}

	st.Action = deriveAction(st.IsOn, st.Function)
	return st
}

// readSource returns the entity when it exists and is available.
func (r *Reconciler) readSource(ctx context.Context, entityID string) (*homeassistant.Entity, bool) {
	entity, err := r.reader.GetState(ctx, entityID)
	if err != nil {
		r.logger.Debug("Source not readable", "entity_id", entityID, "error", err)
		return nil, false
	}
	if entity.IsUnavailable() {
		r.logger.Debug("Source unavailable", "entity_id", entityID)
		return nil, false
	}
	return entity, true
}

// OnSourceChanged applies a state change of one source and publishes the
// result. newState is nil when the entity was removed. Availability follows
// the event that just arrived, whichever source sent it. Changes to entities
// that are not sources are ignored and reported as not handled.
func (r *Reconciler) OnSourceChanged(ctx context.Context, entityID string, newState *homeassistant.Entity) bool {
	if !r.isSource(entityID) {
		return false
	}
	if r.logger.IsTraceEnabled() {
		r.logger.Trace("Source changed", "entity_id", entityID, "new_state", describe(newState))
	}

	r.mu.Lock()
	if r.initializing {
		r.pending = append(r.pending, sourceChange{entityID: entityID, newState: newState})
		r.mu.Unlock()
		return true
	}
	r.applyLocked(entityID, newState)
	snapshot := r.state.Clone()
	r.mu.Unlock()

	r.logger.Debug("Humidifier updated",
		"source", entityID,
		"available", snapshot.Available,
		"is_on", snapshot.IsOn,
		"function", snapshot.Function,
		"action", snapshot.Action)
	r.publish(ctx, snapshot)
	return true
}

func (r *Reconciler) isSource(entityID string) bool {
	if entityID == "" {
		return false
	}
	return entityID == r.sources.Fan || entityID == r.sources.Humidity || entityID == r.sources.Function
}

// applyLocked updates the fields owned by entityID. Caller holds r.mu.
func (r *Reconciler) applyLocked(entityID string, newState *homeassistant.Entity) {
	switch entityID {
	case r.sources.Fan:
		r.state.applyFan(newState)
		switch {
		case !r.state.IsOn:
			r.state.Action = ActionOff
		case r.state.Function != FunctionUnknown:
			r.state.Action = r.state.Function.Action()
		}
	case r.sources.Humidity:
		r.state.applyHumidity(newState)
	case r.sources.Function:
		label := ""
		if newState != nil {
			label = newState.State
		}
		r.state.Function = ParseFunction(label)
		r.state.Action = r.state.Function.Action()
	}
	r.state.Available = !newState.IsUnavailable()
}

// HandleTurnOn turns the source fan on.
func (r *Reconciler) HandleTurnOn(ctx context.Context) error {
	return r.callFan(ctx, homeassistant.ServiceTurnOn, nil)
}

// HandleTurnOff turns the source fan off.
func (r *Reconciler) HandleTurnOff(ctx context.Context) error {
	return r.callFan(ctx, homeassistant.ServiceTurnOff, nil)
}

// HandleSetMode sets the fan preset. The mode is not checked against the
// available modes; the fan decides.
func (r *Reconciler) HandleSetMode(ctx context.Context, mode string) error {
	return r.callFan(ctx, homeassistant.ServiceSetPresetMode, map[string]any{"preset_mode": mode})
}

// HandleSetTargetHumidity records the setpoint and republishes. Nothing is
// sent to the sources.
func (r *Reconciler) HandleSetTargetHumidity(ctx context.Context, value float64) {
	r.mu.Lock()
	r.state.TargetHumidity = &value
	snapshot := r.state.Clone()
	r.mu.Unlock()

	r.logger.Debug("Target humidity set", "humidity", value)
	r.publish(ctx, snapshot)
}

func (r *Reconciler) callFan(ctx context.Context, service string, params map[string]any) error {
	data := map[string]any{"entity_id": r.sources.Fan}
	maps.Copy(data, params)

	r.logger.Debug("Forwarding command", "fan", r.sources.Fan, "service", service)
	if _, err := r.caller.CallService(ctx, fanDomain, service, data); err != nil {
		r.logger.Error("Fan command failed", "fan", r.sources.Fan, "service", service, "error", err)
		return fmt.Errorf("%s.%s on %s: %w", fanDomain, service, r.sources.Fan, err)
	}
	return nil
}

func (r *Reconciler) publish(ctx context.Context, st State) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, st); err != nil {
		r.logger.Warn("Publishing humidifier state failed", "error", err)
	}
}

func describe(e *homeassistant.Entity) string {
	if e == nil {
		return "<removed>"
	}
	return e.State
}
