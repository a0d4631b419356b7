// Package events provides the in-process event bus used to notify the host
// about allocation, risk, and consensus decisions.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the engine
type EventType string

const (
	EventAllocationRebalanced EventType = "ALLOCATION_REBALANCED"
	EventRiskPause            EventType = "RISK_PAUSE"
	EventRiskResume           EventType = "RISK_RESUME"
	EventStopUpdated          EventType = "STOP_UPDATED"
	EventPositionExit         EventType = "POSITION_EXIT"
	EventConsensusDecision    EventType = "CONSENSUS_DECISION"
	EventWeightsUpdated       EventType = "WEIGHTS_UPDATED"
	EventGuidanceOverride     EventType = "GUIDANCE_OVERRIDE"
	EventError                EventType = "ERROR"
)

// Event represents an engine event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Delivery is asynchronous so a
// slow subscriber never blocks a trading decision.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishRiskPause publishes a pause decision for a set of strategies
func (eb *EventBus) PublishRiskPause(reason string, strategyIDs []string, portfolioWide bool) {
	eb.Publish(Event{
		Type: EventRiskPause,
		Data: map[string]interface{}{
			"reason":         reason,
			"strategy_ids":   strategyIDs,
			"portfolio_wide": portfolioWide,
		},
	})
}

// PublishStopUpdated publishes a trailing stop movement
func (eb *EventBus) PublishStopUpdated(positionID string, oldStop, newStop float64, trailLevel int) {
	eb.Publish(Event{
		Type: EventStopUpdated,
		Data: map[string]interface{}{
			"position_id": positionID,
			"old_stop":    oldStop,
			"new_stop":    newStop,
			"trail_level": trailLevel,
		},
	})
}

// PublishPositionExit publishes a stop-out exit for a position
func (eb *EventBus) PublishPositionExit(positionID string, stopPrice, triggerPrice float64) {
	eb.Publish(Event{
		Type: EventPositionExit,
		Data: map[string]interface{}{
			"position_id":   positionID,
			"stop_price":    stopPrice,
			"trigger_price": triggerPrice,
		},
	})
}

// PublishConsensus publishes a consensus decision
func (eb *EventBus) PublishConsensus(swarmID, signal string, confidence float64, contributing []string) {
	eb.Publish(Event{
		Type: EventConsensusDecision,
		Data: map[string]interface{}{
			"swarm_id":     swarmID,
			"signal":       signal,
			"confidence":   confidence,
			"contributing": contributing,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
