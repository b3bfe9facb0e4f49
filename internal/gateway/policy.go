// Package gateway decides, per subscriber, whether and in what reduced form a
// change event is delivered.
package gateway

import (
	"fmt"

	"github.com/lllypuk/matreq/internal/domain/access"
	"github.com/lllypuk/matreq/internal/domain/change"
	"github.com/lllypuk/matreq/internal/domain/errs"
)

// Gateway errors.
var (
	ErrUnauthorized = fmt.Errorf("%w: subscription requires an authenticated identity", errs.ErrUnauthorized)
	ErrUnknownKind  = errs.ErrUnknownKind
)

// fieldToken is stripped from User aggregates for everyone but their owner.
const fieldToken = "token"

// Rule is the visibility rule of one entity kind.
type Rule struct {
	// ViewAll grants every aggregate of the kind.
	ViewAll access.Capability

	// ViewOwn grants aggregates whose owner is the principal.
	ViewOwn access.Capability

	// Redact returns the reduced form of doc for principal. It must not
	// modify doc. Nil means no reduction.
	Redact func(principal *access.Principal, doc change.Document) change.Document
}

// Policy holds the visibility rules of every kind.
type Policy struct {
	schemas change.Schemas
	rules   map[change.Kind]Rule
}

// NewPolicy creates a policy from explicit rules.
func NewPolicy(schemas change.Schemas, rules map[change.Kind]Rule) *Policy {
	return &Policy{schemas: schemas, rules: rules}
}

// DefaultPolicy returns the rules of the material-request domain.
func DefaultPolicy() *Policy {
	return NewPolicy(change.DefaultSchemas(), map[change.Kind]Rule{
		change.KindUser: {
			ViewAll: access.CapViewAllUsers,
			ViewOwn: access.CapViewSelf,
			Redact:  redactForeignToken,
		},
		change.KindMaterialRequest: {
			ViewAll: access.CapViewAllRequests,
			ViewOwn: access.CapViewOwnRequests,
		},
		change.KindItemGroup: {
			ViewAll: access.CapViewItemGroups,
		},
	})
}

// Authorize checks a subscribe request. It performs no data access.
func (p *Policy) Authorize(principal *access.Principal, kind change.Kind) error {
	if principal == nil || principal.UserID == "" {
		return ErrUnauthorized
	}
	if _, ok := p.rules[kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}

// Visible reports whether principal may see doc of kind.
func (p *Policy) Visible(principal *access.Principal, kind change.Kind, doc change.Document) bool {
	rule, ok := p.rules[kind]
	if !ok || principal == nil {
		return false
	}
	if rule.ViewAll != "" && principal.Can(rule.ViewAll) {
		return true
	}
	if rule.ViewOwn != "" && principal.Can(rule.ViewOwn) {
		owner := p.schemas.For(kind).OwnerOf(doc)
		return owner != "" && owner == principal.UserID
	}
	return false
}

// Reduce returns the form of doc principal receives.
func (p *Policy) Reduce(principal *access.Principal, kind change.Kind, doc change.Document) change.Document {
	rule, ok := p.rules[kind]
	if !ok || rule.Redact == nil {
		return doc
	}
	return rule.Redact(principal, doc)
}

// Filter keeps the visible aggregates of docs, reduced for principal, in order.
func (p *Policy) Filter(principal *access.Principal, kind change.Kind, docs []change.Document) []change.Document {
	out := make([]change.Document, 0, len(docs))
	for _, doc := range docs {
		if doc == nil || !p.Visible(principal, kind, doc) {
			continue
		}
		out = append(out, p.Reduce(principal, kind, doc))
	}
	return out
}

func redactForeignToken(principal *access.Principal, doc change.Document) change.Document {
	if _, has := doc[fieldToken]; !has {
		return doc
	}
	if principal != nil && doc.ID() == principal.UserID {
		return doc
	}
	out := make(change.Document, len(doc))
	for k, v := range doc {
		if k != fieldToken {
			out[k] = v
		}
	}
	return out
}
