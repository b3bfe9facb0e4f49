// Package material contains the synchronized aggregates of the material-request domain.
package material

import (
	"errors"
	"time"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/domain/change"
)

// Validation errors.
var (
	ErrMissingID        = errors.New("aggregate id is required")
	ErrMissingField     = errors.New("required field is missing")
	ErrDuplicateChildID = errors.New("duplicate child id")
	ErrInvalidQuantity  = errors.New("quantity must be positive")
	ErrInvalidStatus    = errors.New("invalid request status")
)

// Aggregate is a synchronized entity with a stable id.
type Aggregate interface {
	AggregateID() string
	Kind() change.Kind
	Validate() error
	Timestamps() (createdAt, updatedAt time.Time)
	Stamp(createdAt, updatedAt time.Time)
}

// RequestStatus is the lifecycle state of a material request.
type RequestStatus string

// Request statuses.
const (
	StatusDraft     RequestStatus = "draft"
	StatusSubmitted RequestStatus = "submitted"
	StatusApproved  RequestStatus = "approved"
	StatusRejected  RequestStatus = "rejected"
	StatusFulfilled RequestStatus = "fulfilled"
)

// User is a person using the application.
type User struct {
	ID          string      `json:"id"                    bson:"_id"`
	Username    string      `json:"username"              bson:"username"`
	DisplayName string      `json:"displayName,omitempty" bson:"display_name,omitempty"`
	Email       string      `json:"email,omitempty"       bson:"email,omitempty"`
	Role        access.Role `json:"role"                  bson:"role"`
	// Token is the user's current credential. It is re-issued when the role
	// changes and only ever delivered to the user it belongs to.
	Token     string    `json:"token,omitempty"     bson:"token,omitempty"`
	CreatedAt time.Time `json:"createdAt"           bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt"           bson:"updated_at"`
}

// AggregateID implements Aggregate.
func (u *User) AggregateID() string { return u.ID }

// Kind implements Aggregate.
func (u *User) Kind() change.Kind { return change.KindUser }

// Timestamps implements Aggregate.
func (u *User) Timestamps() (time.Time, time.Time) { return u.CreatedAt, u.UpdatedAt }

// Stamp implements Aggregate.
func (u *User) Stamp(createdAt, updatedAt time.Time) {
	u.CreatedAt, u.UpdatedAt = createdAt, updatedAt
}

// Validate implements Aggregate.
func (u *User) Validate() error {
	if u.ID == "" {
		return ErrMissingID
	}
	if u.Username == "" {
		return ErrMissingField
	}
	if _, err := access.CapabilitiesFor(u.Role); err != nil {
		return err
	}
	return nil
}

// LineItem is one requested material in a request.
type LineItem struct {
	ID       string  `json:"id"             bson:"id"`
	Name     string  `json:"name"           bson:"name"`
	Quantity float64 `json:"qty"            bson:"qty"`
	Unit     string  `json:"unit,omitempty" bson:"unit,omitempty"`
}

// MaterialRequest is a request for materials raised by one user.
type MaterialRequest struct {
	ID          string        `json:"id"                 bson:"_id"`
	Title       string        `json:"title"              bson:"title"`
	RequesterID string        `json:"requesterId"        bson:"requester_id"`
	GroupID     string        `json:"groupId,omitempty"  bson:"group_id,omitempty"`
	Status      RequestStatus `json:"status"             bson:"status"`
	Note        string        `json:"note,omitempty"     bson:"note,omitempty"`
	Items       []LineItem    `json:"items"              bson:"items"`
	CreatedAt   time.Time     `json:"createdAt"          bson:"created_at"`
	UpdatedAt   time.Time     `json:"updatedAt"          bson:"updated_at"`
}

// AggregateID implements Aggregate.
func (r *MaterialRequest) AggregateID() string { return r.ID }

// Kind implements Aggregate.
func (r *MaterialRequest) Kind() change.Kind { return change.KindMaterialRequest }

// Timestamps implements Aggregate.
func (r *MaterialRequest) Timestamps() (time.Time, time.Time) { return r.CreatedAt, r.UpdatedAt }

// Stamp implements Aggregate.
func (r *MaterialRequest) Stamp(createdAt, updatedAt time.Time) {
	r.CreatedAt, r.UpdatedAt = createdAt, updatedAt
}

// Validate implements Aggregate.
func (r *MaterialRequest) Validate() error {
	if r.ID == "" {
		return ErrMissingID
	}
	if r.Title == "" || r.RequesterID == "" {
		return ErrMissingField
	}
	switch r.Status {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusRejected, StatusFulfilled:
	default:
		return ErrInvalidStatus
	}
	seen := make(map[string]struct{}, len(r.Items))
	for _, item := range r.Items {
		if item.ID == "" {
			return ErrMissingID
		}
		if _, dup := seen[item.ID]; dup {
			return ErrDuplicateChildID
		}
		seen[item.ID] = struct{}{}
		if item.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	return nil
}

// GroupItem is a catalogue entry inside an item group.
type GroupItem struct {
	ID   string `json:"id"             bson:"id"`
	Name string `json:"name"           bson:"name"`
	Unit string `json:"unit,omitempty" bson:"unit,omitempty"`
}

// ItemGroup is a named catalogue of requestable items.
type ItemGroup struct {
	ID        string      `json:"id"        bson:"_id"`
	Name      string      `json:"name"      bson:"name"`
	Items     []GroupItem `json:"items"     bson:"items"`
	CreatedAt time.Time   `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time   `json:"updatedAt" bson:"updated_at"`
}

// AggregateID implements Aggregate.
func (g *ItemGroup) AggregateID() string { return g.ID }

// Kind implements Aggregate.
func (g *ItemGroup) Kind() change.Kind { return change.KindItemGroup }

// Timestamps implements Aggregate.
func (g *ItemGroup) Timestamps() (time.Time, time.Time) { return g.CreatedAt, g.UpdatedAt }

// Stamp implements Aggregate.
func (g *ItemGroup) Stamp(createdAt, updatedAt time.Time) {
	g.CreatedAt, g.UpdatedAt = createdAt, updatedAt
}

// Validate implements Aggregate.
func (g *ItemGroup) Validate() error {
	if g.ID == "" {
		return ErrMissingID
	}
	if g.Name == "" {
		return ErrMissingField
	}
	seen := make(map[string]struct{}, len(g.Items))
	for _, item := range g.Items {
		if item.ID == "" {
			return ErrMissingID
		}
		if _, dup := seen[item.ID]; dup {
			return ErrDuplicateChildID
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}

// ToDocument converts an aggregate into its synchronized JSON form.
func ToDocument(a Aggregate) (change.Document, error) {
	return change.ToDocument(a)
}

// New returns an empty aggregate of kind, ready to be decoded into.
func New(kind change.Kind) (Aggregate, bool) {
	switch kind {
	case change.KindUser:
		return &User{}, true
	case change.KindMaterialRequest:
		return &MaterialRequest{}, true
	case change.KindItemGroup:
		return &ItemGroup{}, true
	default:
		return nil, false
	}
}
