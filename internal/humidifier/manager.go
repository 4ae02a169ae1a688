package humidifier

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zorak1103/ha-humidifier/internal/homeassistant"
	"github.com/zorak1103/ha-humidifier/internal/logging"
)

var (
	// ErrNotReady is returned by Setup when a source currently reports unavailable.
	ErrNotReady = errors.New("humidifier sources not ready")
	// ErrUnknownEntry is returned for entry ids the manager does not know.
	ErrUnknownEntry = errors.New("unknown humidifier entry")
)

// eventPublishTimeout bounds publishing triggered by a source event.
const eventPublishTimeout = 10 * time.Second

// functionName identifies the Function select among a device's entities.
const functionName = "function"

// Entry is a configured humidifier.
type Entry struct {
	ID             string
	Name           string
	Source         string // fan entity id or registry id
	HumidityEntity string // humidity sensor entity id or registry id
	FunctionEntity string // optional; discovered from the fan's device when empty
	ObjectID       string // optional; defaults to ID
}

// EntityID returns the id the composite is published under.
func (e Entry) EntityID() string {
	obj := e.ObjectID
	if obj == "" {
		obj = e.ID
	}
	return Domain + "." + obj
}

// Validate checks the fields Setup depends on.
func (e Entry) Validate() error {
	var missing []string
	if e.ID == "" {
		missing = append(missing, "id")
	}
	if e.Source == "" {
		missing = append(missing, "source")
	}
	if e.HumidityEntity == "" {
		missing = append(missing, "entity_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("humidifier entry %q: missing %s", e.ID, strings.Join(missing, ", "))
	}
	return nil
}

// Host is the part of the Home Assistant client the manager needs.
type Host interface {
	homeassistant.EventSubscriber
	homeassistant.RegistryReader
	StateReader
	ServiceCaller
	StateWriter
}

// Status describes one configured entry.
type Status struct {
	Entry    Entry
	EntityID string
	Loaded   bool
	Retrying bool
	Sources  Sources
	State    State
}

type loadedEntry struct {
	entry      Entry
	reconciler *Reconciler
	publisher  *StatePublisher
	sub        homeassistant.Unsubscriber
}

type retryHandle struct {
	cancel context.CancelFunc
}

// Manager owns the loaded humidifiers, keyed by entry id.
type Manager struct {
	host      Host
	directory *homeassistant.Directory
	logger    *logging.Logger
	retry     homeassistant.ReconnectConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	entries map[string]Entry
	loaded  map[string]*loadedEntry
	retries map[string]*retryHandle
	closed  bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRetryConfig sets the backoff used for entries that are not ready.
func WithRetryConfig(cfg homeassistant.ReconnectConfig) ManagerOption {
	return func(m *Manager) {
		m.retry = cfg
	}
}

// NewManager creates a manager using host for every Home Assistant call.
func NewManager(host Host, logger *logging.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		host:      host,
		directory: homeassistant.NewDirectory(host),
		logger:    logger,
		retry: homeassistant.ReconnectConfig{
			InitialDelay:  5 * time.Second,
			MaxDelay:      5 * time.Minute,
			BackoffFactor: 2.0,
		},
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]Entry),
		loaded:  make(map[string]*loadedEntry),
		retries: make(map[string]*retryHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start sets up every entry. Entries whose sources are not ready are retried
// in the background with exponential backoff; other failures are returned
// joined after all entries were attempted.
func (m *Manager) Start(ctx context.Context, entries []Entry) error {
	var errs []error
	for _, entry := range entries {
		if err := m.setupOrRetry(ctx, entry); err != nil && !errors.Is(err, ErrNotReady) {
			m.logger.Error("Humidifier setup failed", "entry", entry.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup resolves the sources of entry, subscribes to their changes and
// backfills the composite state.
func (m *Manager) Setup(ctx context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("manager is shut down")
	}
	if _, ok := m.loaded[entry.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("humidifier entry %q is already loaded", entry.ID)
	}
	m.entries[entry.ID] = entry
	m.mu.Unlock()

	sources, err := m.resolveSources(ctx, entry)
	if err != nil {
		return err
	}
	if err := m.checkReady(ctx, sources); err != nil {
		return err
	}

	logger := m.logger.With("entry", entry.ID)
	publisher := NewStatePublisher(m.host, entry.EntityID(), displayName(entry))
	rec := NewReconciler(sources, m.host, m.host, publisher, logger)

	sub, err := homeassistant.TrackStateChanges(ctx, m.host, sources.EntityIDs(), func(change homeassistant.StateChangedEvent) {
		pubCtx, cancel := context.WithTimeout(m.ctx, eventPublishTimeout)
		defer cancel()
		rec.OnSourceChanged(pubCtx, change.EntityID, change.NewState)
	})
	if err != nil {
		return fmt.Errorf("subscribing to sources of %s: %w", entry.ID, err)
	}

	m.mu.Lock()
	if _, ok := m.loaded[entry.ID]; ok || m.closed || ctx.Err() != nil {
		m.mu.Unlock()
		_ = sub.Unsubscribe(context.WithoutCancel(ctx))
		return fmt.Errorf("humidifier entry %q: setup interrupted", entry.ID)
	}
	m.loaded[entry.ID] = &loadedEntry{
		entry:      entry,
		reconciler: rec,
		publisher:  publisher,
		sub:        sub,
	}
	m.mu.Unlock()

	st := rec.Initialize(ctx)
	logger.Info("Humidifier loaded",
		"entity_id", publisher.EntityID(),
		"fan", sources.Fan,
		"humidity", sources.Humidity,
		"function", sources.Function,
		"available", st.Available)
	return nil
}

// resolveSources maps the configured references to entity ids and finds the
// Function select.
func (m *Manager) resolveSources(ctx context.Context, entry Entry) (Sources, error) {
	fan, err := m.directory.Resolve(ctx, entry.Source)
	if err != nil {
		return Sources{}, fmt.Errorf("resolving source of %s: %w", entry.ID, err)
	}
	humidity, err := m.directory.Resolve(ctx, entry.HumidityEntity)
	if err != nil {
		return Sources{}, fmt.Errorf("resolving humidity sensor of %s: %w", entry.ID, err)
	}

	var function string
	if entry.FunctionEntity != "" {
		function, err = m.directory.Resolve(ctx, entry.FunctionEntity)
		if err != nil {
			return Sources{}, fmt.Errorf("resolving function entity of %s: %w", entry.ID, err)
		}
	} else {
		function, err = m.findFunctionEntity(ctx, fan)
		if err != nil {
			return Sources{}, fmt.Errorf("looking up function entity of %s: %w", entry.ID, err)
		}
	}

	return Sources{Fan: fan, Humidity: humidity, Function: function}, nil
}

// findFunctionEntity returns the Function select attached to the fan's
// device, or "" when the fan has no device or the device has no such select.
func (m *Manager) findFunctionEntity(ctx context.Context, fanID string) (string, error) {
	fan, err := m.directory.EntityEntry(ctx, fanID)
	if err != nil || fan == nil || fan.DeviceID == "" {
		return "", err
	}

	device, err := m.directory.Device(ctx, fan.DeviceID)
	if err != nil || device == nil {
		return "", err
	}

	siblings, err := m.directory.SiblingsOfDevice(ctx, device.ID)
	if err != nil {
		return "", err
	}
	for _, s := range siblings {
		if homeassistant.Domain(s.EntityID) == "select" && isFunctionSelect(s) {
			m.logger.Debug("Found function entity", "fan", fanID, "device", device.Name, "function", s.EntityID)
			return s.EntityID, nil
		}
	}

	m.logger.Debug("No function entity on device", "fan", fanID, "device", device.Name)
	return "", nil
}

func isFunctionSelect(e homeassistant.EntityRegistryEntry) bool {
	return strings.EqualFold(e.Name, functionName) ||
		strings.EqualFold(e.OriginalName, functionName) ||
		e.TranslationKey == functionName ||
		strings.HasSuffix(e.EntityID, "_"+functionName)
}

// checkReady fails with ErrNotReady when the fan or the humidity sensor
// exists but reports unavailable. Missing entities do not block setup.
func (m *Manager) checkReady(ctx context.Context, sources Sources) error {
	for _, id := range []string{sources.Fan, sources.Humidity} {
		state, err := m.host.GetState(ctx, id)
		if errors.Is(err, homeassistant.ErrEntityNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrNotReady, id, err)
		}
		if state.IsUnavailable() {
			return fmt.Errorf("%w: %s is unavailable", ErrNotReady, id)
		}
	}
	return nil
}

// setupOrRetry runs Setup and schedules background retries on ErrNotReady.
func (m *Manager) setupOrRetry(ctx context.Context, entry Entry) error {
	err := m.Setup(ctx, entry)
	if errors.Is(err, ErrNotReady) {
		m.logger.Warn("Humidifier not ready, retrying in background", "entry", entry.ID, "reason", err)
		m.scheduleRetry(entry)
	}
	return err
}

func (m *Manager) scheduleRetry(entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.retries[entry.ID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	handle := &retryHandle{cancel: cancel}
	m.retries[entry.ID] = handle

	m.wg.Add(1)
	go m.retryLoop(ctx, entry, handle)
}

func (m *Manager) retryLoop(ctx context.Context, entry Entry, handle *retryHandle) {
	defer m.wg.Done()
	defer func() {
		handle.cancel()
		m.mu.Lock()
		if m.retries[entry.ID] == handle {
			delete(m.retries, entry.ID)
		}
		m.mu.Unlock()
	}()

	backoff := homeassistant.NewReconnectManager(m.retry)
	for backoff.ShouldReconnect() {
		if err := backoff.WaitForReconnect(ctx); err != nil {
			return
		}

		err := m.Setup(ctx, entry)
		switch {
		case err == nil:
			m.logger.Info("Humidifier ready after retry", "entry", entry.ID, "attempts", backoff.GetAttempts())
			return
		case errors.Is(err, ErrNotReady):
			m.logger.Debug("Humidifier still not ready", "entry", entry.ID, "attempt", backoff.GetAttempts())
		default:
			if ctx.Err() == nil {
				m.logger.Error("Humidifier setup failed", "entry", entry.ID, "error", err)
			}
			return
		}
	}
	m.logger.Error("Giving up on humidifier", "entry", entry.ID)
}

// Unload stops following the sources of an entry and publishes the
// composite as unavailable. A pending retry is cancelled.
func (m *Manager) Unload(ctx context.Context, entryID string) error {
	m.mu.Lock()
	handle, retrying := m.retries[entryID]
	if retrying {
		handle.cancel()
		delete(m.retries, entryID)
	}
	le, ok := m.loaded[entryID]
	delete(m.loaded, entryID)
	m.mu.Unlock()

	if !ok {
		if retrying {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
	}

	var errs []error
	if err := le.sub.Unsubscribe(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribing %s: %w", entryID, err))
	}

	st := le.reconciler.Snapshot()
	st.Available = false
	if err := le.publisher.Publish(ctx, st); err != nil {
		errs = append(errs, err)
	}

	m.logger.Info("Humidifier unloaded", "entry", entryID, "entity_id", le.publisher.EntityID())
	return errors.Join(errs...)
}

// Reload unloads an entry and sets it up again from its stored configuration.
func (m *Manager) Reload(ctx context.Context, entryID string) error {
	m.mu.RLock()
	entry, ok := m.entries[entryID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, entryID)
	}

	if err := m.Unload(ctx, entryID); err != nil && !errors.Is(err, ErrUnknownEntry) {
		m.logger.Warn("Unload during reload failed", "entry", entryID, "error", err)
	}
	return m.setupOrRetry(ctx, entry)
}

// Shutdown cancels pending retries and unloads every entry.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := slices.Sorted(maps.Keys(m.loaded))
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	var errs []error
	for _, id := range ids {
		if err := m.Unload(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resync re-reads the sources of every loaded entry. Call it after the
// connection to Home Assistant was re-established, since changes made while
// disconnected produced no events.
func (m *Manager) Resync(ctx context.Context) {
	m.mu.RLock()
	recs := make([]*Reconciler, 0, len(m.loaded))
	for _, id := range slices.Sorted(maps.Keys(m.loaded)) {
		recs = append(recs, m.loaded[id].reconciler)
	}
	m.mu.RUnlock()

	for _, rec := range recs {
		rec.Initialize(ctx)
	}
	m.logger.Debug("Humidifiers resynchronized", "count", len(recs))
}

// Get returns the reconciler of a loaded entry.
func (m *Manager) Get(entryID string) (*Reconciler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	le, ok := m.loaded[entryID]
	if !ok {
		return nil, false
	}
	return le.reconciler, true
}

// ByEntityID returns the reconciler publishing entityID.
func (m *Manager) ByEntityID(entityID string) (*Reconciler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, le := range m.loaded {
		if le.publisher.EntityID() == entityID {
			return le.reconciler, true
		}
	}
	return nil, false
}

// Status returns the status of one configured entry.
func (m *Manager) Status(entryID string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[entryID]
	if !ok {
		return Status{}, false
	}
	return m.statusLocked(entry), true
}

// List returns the status of every configured entry ordered by id.
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.entries))
	for _, id := range slices.Sorted(maps.Keys(m.entries)) {
		out = append(out, m.statusLocked(m.entries[id]))
	}
	return out
}

func (m *Manager) statusLocked(entry Entry) Status {
	st := Status{
		Entry:    entry,
		EntityID: entry.EntityID(),
		State:    unavailableState(),
	}
	_, st.Retrying = m.retries[entry.ID]
	if le, ok := m.loaded[entry.ID]; ok {
		st.Loaded = true
		st.Sources = le.reconciler.Sources()
		st.State = le.reconciler.Snapshot()
	}
	return st
}

func displayName(e Entry) string {
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}
