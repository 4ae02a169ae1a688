// Package bridge forwards humidifier service calls made in Home Assistant to
// the reconciler publishing the targeted entity.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/zorak1103/ha-humidifier/internal/homeassistant"
	"github.com/zorak1103/ha-humidifier/internal/humidifier"
	"github.com/zorak1103/ha-humidifier/internal/logging"
)

// DefaultCommandTimeout bounds a single forwarded command.
const DefaultCommandTimeout = 30 * time.Second

// ErrInvalidServiceData is returned when a service call lacks a required field.
var ErrInvalidServiceData = errors.New("invalid service data")

// Resolver finds the reconciler publishing a humidifier entity.
type Resolver interface {
	ByEntityID(entityID string) (*humidifier.Reconciler, bool)
}

// Bridge listens for call_service events of the humidifier domain.
type Bridge struct {
	events      homeassistant.EventSubscriber
	humidifiers Resolver
	logger      *logging.Logger
	timeout     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	sub homeassistant.Unsubscriber
}

// New creates a bridge. It does nothing until Start is called.
func New(events homeassistant.EventSubscriber, humidifiers Resolver, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		events:      events,
		humidifiers: humidifiers,
		logger:      logger,
		timeout:     DefaultCommandTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to call_service events.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return errors.New("bridge already started")
	}
	if b.ctx.Err() != nil {
		return errors.New("bridge is stopped")
	}

	sub, err := b.events.SubscribeEvents(ctx, homeassistant.EventCallService, b.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribing to %s events: %w", homeassistant.EventCallService, err)
	}
	b.sub = sub
	b.logger.Debug("Service-call bridge started")
	return nil
}

// Stop unsubscribes and waits for commands in flight.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe(ctx)
	}
	b.cancel()
	b.wg.Wait()
	return err
}

// handleEvent runs on the event dispatcher. Commands wait on service call
// results, so they are executed on their own goroutine.
func (b *Bridge) handleEvent(event homeassistant.WSEvent) {
	call, err := homeassistant.DecodeCallService(event)
	if err != nil {
		b.logger.Debug("Dropping undecodable service call", "error", err)
		return
	}
	if call.Domain != humidifier.Domain {
		return
	}

	for _, entityID := range call.TargetEntityIDs() {
		rec, ok := b.humidifiers.ByEntityID(entityID)
		if !ok {
			continue
		}
		b.logger.Debug("Forwarding service call", "entity_id", entityID, "service", call.Service)

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
			defer cancel()
			if err := Dispatch(ctx, rec, call.Service, call.ServiceData); err != nil {
				b.logger.Error("Service call failed", "entity_id", entityID, "service", call.Service, "error", err)
			}
		}()
	}
}

// Dispatch runs one humidifier service against rec. Unsupported services are
// ignored.
func Dispatch(ctx context.Context, rec *humidifier.Reconciler, service string, data map[string]any) error {
	switch service {
	case homeassistant.ServiceTurnOn:
		return rec.HandleTurnOn(ctx)
	case homeassistant.ServiceTurnOff:
		return rec.HandleTurnOff(ctx)
	case homeassistant.ServiceSetMode:
		mode, _ := data["mode"].(string)
		if mode == "" {
			return fmt.Errorf("%w: %s requires mode", ErrInvalidServiceData, service)
		}
		return rec.HandleSetMode(ctx, mode)
	case homeassistant.ServiceSetHumidity:
		value, ok := number(data["humidity"])
		if !ok {
			return fmt.Errorf("%w: %s requires a numeric humidity", ErrInvalidServiceData, service)
		}
		rec.HandleSetTargetHumidity(ctx, value)
		return nil
	default:
		return nil
	}
}

// number accepts finite JSON numbers and numeric strings.
func number(v any) (float64, bool) {
	f, ok := rawNumber(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rawNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
