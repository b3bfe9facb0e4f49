// Package change defines the wire-level shape of a synchronization message.
package change

// Kind identifies which aggregate type changed. There is one channel per kind.
type Kind string

// Entity kinds synchronized between server and clients.
const (
	KindUser            Kind = "User"
	KindMaterialRequest Kind = "MaterialRequest"
	KindItemGroup       Kind = "ItemGroup"
)

// AllKinds returns every synchronized entity kind.
func AllKinds() []Kind {
	return []Kind{KindUser, KindMaterialRequest, KindItemGroup}
}

// IsValid reports whether k is a known entity kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindUser, KindMaterialRequest, KindItemGroup:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}

// EventType tells how every aggregate of an event is applied.
type EventType string

// Event types.
const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// IsValid reports whether t is a known event type.
func (t EventType) IsValid() bool {
	return t == EventCreated || t == EventUpdated || t == EventDeleted
}

// ChangeType tells whether an event carries one aggregate or a batch.
type ChangeType string

// Change types.
const (
	ChangeSingle   ChangeType = "single"
	ChangeMultiple ChangeType = "multiple"
)
