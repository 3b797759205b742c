package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a notification event emitted by the drift engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// TenantID is the associated tenant, if applicable.
	TenantID string `json:"tenant_id,omitempty"`

	// EnvironmentID is the associated environment, if applicable.
	EnvironmentID string `json:"environment_id,omitempty"`

	// IncidentID is the associated drift incident, if applicable.
	IncidentID string `json:"incident_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for the events the engine emits.
const (
	EventTypeDriftDetected           = "drift.detected"
	EventTypeDriftExpired            = "drift.expired"
	EventTypePolicyBlocked           = "policy.blocked"
	EventTypeReconciliationSucceeded = "reconciliation.succeeded"
	EventTypeReconciliationFailed    = "reconciliation.failed"
	EventTypeSnapshotCreated         = "snapshot.created"
	EventTypeSnapshotStale           = "snapshot.stale"
	EventTypePromotionStarted        = "promotion.started"
	EventTypePromotionCompleted      = "promotion.completed"
	EventTypePromotionFailed         = "promotion.failed"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// Dispatcher buffers events and delivers them asynchronously to registered
// subscribers. Emission is fire-and-forget: a full buffer or a failing
// subscriber never propagates back to the operation that emitted the event.
type Dispatcher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewDispatcher creates a new event dispatcher with the given configuration.
func NewDispatcher(cfg EventsConfig) *Dispatcher {
	if !cfg.Enabled {
		return &Dispatcher{config: cfg}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	d.wg.Add(1)
	go d.processEvents()
	return d
}

// Subscribe registers a subscriber with an optional filter.
func (d *Dispatcher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// Emit queues an event for delivery. Events are dropped rather than blocking
// the caller when the buffer is full or the dispatcher is stopped.
func (d *Dispatcher) Emit(event Event) {
	if !d.config.Enabled {
		return
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Source == "" {
		event.Source = "engine"
	}

	select {
	case d.buffer <- event:
	case <-d.ctx.Done():
	default:
		// Buffer full; dropping is preferable to stalling the operation.
	}
}

// EmitDriftDetected emits a drift detection event.
func (d *Dispatcher) EmitDriftDetected(tenantID, envID, incidentID, workflowName, severity string) {
	d.Emit(Event{
		Type:          EventTypeDriftDetected,
		TenantID:      tenantID,
		EnvironmentID: envID,
		IncidentID:    incidentID,
		Message:       fmt.Sprintf("Drift detected on workflow %s (%s)", workflowName, severity),
		Level:         EventLevelWarning,
		Data: map[string]interface{}{
			"workflow_name": workflowName,
			"severity":      severity,
		},
	})
}

// EmitDriftExpired emits a TTL-expiry event for an incident.
func (d *Dispatcher) EmitDriftExpired(tenantID, envID, incidentID string) {
	d.Emit(Event{
		Type:          EventTypeDriftExpired,
		TenantID:      tenantID,
		EnvironmentID: envID,
		IncidentID:    incidentID,
		Message:       fmt.Sprintf("Drift incident %s exceeded its TTL", incidentID),
		Level:         EventLevelError,
	})
}

// EmitPolicyBlocked emits a policy-block event.
func (d *Dispatcher) EmitPolicyBlocked(tenantID, envID, operation, reason string) {
	d.Emit(Event{
		Type:          EventTypePolicyBlocked,
		TenantID:      tenantID,
		EnvironmentID: envID,
		Message:       fmt.Sprintf("Operation %s blocked by drift policy: %s", operation, reason),
		Level:         EventLevelWarning,
		Data: map[string]interface{}{
			"operation": operation,
			"reason":    reason,
		},
	})
}

// EmitReconciliationResult emits a success or failure event for a
// reconciliation artifact.
func (d *Dispatcher) EmitReconciliationResult(tenantID, incidentID, artifactID, resolutionType string, err error) {
	if err != nil {
		d.Emit(Event{
			Type:       EventTypeReconciliationFailed,
			TenantID:   tenantID,
			IncidentID: incidentID,
			Message:    fmt.Sprintf("Reconciliation %s (%s) failed: %v", artifactID, resolutionType, err),
			Level:      EventLevelError,
			Data: map[string]interface{}{
				"artifact_id":     artifactID,
				"resolution_type": resolutionType,
				"reason":          err.Error(),
			},
		})
		return
	}
	d.Emit(Event{
		Type:       EventTypeReconciliationSucceeded,
		TenantID:   tenantID,
		IncidentID: incidentID,
		Message:    fmt.Sprintf("Reconciliation %s (%s) succeeded", artifactID, resolutionType),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"artifact_id":     artifactID,
			"resolution_type": resolutionType,
		},
	})
}

// EmitSnapshotCreated emits a snapshot creation event.
func (d *Dispatcher) EmitSnapshotCreated(tenantID, envID, snapshotID, kind string, workflows int) {
	d.Emit(Event{
		Type:          EventTypeSnapshotCreated,
		TenantID:      tenantID,
		EnvironmentID: envID,
		Message:       fmt.Sprintf("Snapshot %s (%s) created with %d workflows", snapshotID, kind, workflows),
		Level:         EventLevelInfo,
		Data: map[string]interface{}{
			"snapshot_id": snapshotID,
			"kind":        kind,
			"workflows":   workflows,
		},
	})
}

// EmitPromotion emits a promotion lifecycle event.
func (d *Dispatcher) EmitPromotion(eventType, tenantID, envID, promotionID string, data map[string]interface{}) {
	level := EventLevelInfo
	if eventType == EventTypePromotionFailed {
		level = EventLevelError
	}
	d.Emit(Event{
		Type:          eventType,
		TenantID:      tenantID,
		EnvironmentID: envID,
		Message:       fmt.Sprintf("Promotion %s: %s", promotionID, eventType),
		Level:         level,
		Data:          data,
	})
}

// processEvents delivers buffered events to subscribers.
func (d *Dispatcher) processEvents() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.buffer:
			d.deliverEvent(event)
		case <-d.ctx.Done():
			// Drain what is left before shutting down.
			for {
				select {
				case event := <-d.buffer:
					d.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (d *Dispatcher) deliverEvent(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, entry := range d.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		// Call subscriber in a goroutine to avoid blocking delivery.
		go entry.subscriber(event)
	}
}

// Shutdown gracefully stops the dispatcher.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if !d.config.Enabled {
		return nil
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event dispatcher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByTenantID creates a filter that only allows events for one tenant.
func FilterByTenantID(tenantID string) EventFilter {
	return func(event Event) bool {
		return event.TenantID == tenantID
	}
}
