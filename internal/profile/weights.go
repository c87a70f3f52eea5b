package profile

// EventType identifies a kind of user interaction. The set is closed at the
// API boundary, but weight lookup tolerates unknown types via
// [DefaultWeight] so that adding a type never breaks aggregation.
type EventType string

const (
	EventView    EventType = "view"
	EventLike    EventType = "like"
	EventComment EventType = "comment"
	EventShare   EventType = "share"
)

// DefaultWeight applies to any event type without an explicit entry in the
// weight map.
const DefaultWeight = 1.0

// Weights maps event types to the weight their events contribute to the
// preference vector.
type Weights map[EventType]float64

// DefaultWeights returns the standard weight assignment. Stronger signals of
// interest get larger weights.
func DefaultWeights() Weights {
	return Weights{
		EventView:    1.0,
		EventLike:    3.0,
		EventComment: 5.0,
		EventShare:   6.0,
	}
}

// For returns the weight for et, falling back to [DefaultWeight] for types
// without an entry.
func (w Weights) For(et EventType) float64 {
	if v, ok := w[et]; ok {
		return v
	}
	return DefaultWeight
}

// Resolve returns the effective weight for an event: an explicit per-event
// override wins over the type's mapped weight.
func (w Weights) Resolve(et EventType, override *float64) float64 {
	if override != nil {
		return *override
	}
	return w.For(et)
}
