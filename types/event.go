package types

// ============================================
// 事件系统
// ============================================

type EventType string

const (
	EventDagBlockInserted EventType = "dag.inserted"
	EventPeriodFinalized  EventType = "pbft.finalized"
	EventParamsChanged    EventType = "sortition.changed"
	EventEquivocation     EventType = "vote.equivocation"
	EventMaliciousPeer    EventType = "network.malicious"
)

type BaseEvent struct {
	EventType EventType
	EventData interface{}
}

func (e BaseEvent) Type() EventType   { return e.EventType }
func (e BaseEvent) Data() interface{} { return e.EventData }
