package change

// Schema describes the parts of an aggregate the synchronization core looks at.
// Everything else in a Document is opaque.
type Schema struct {
	Kind Kind

	// ChildCollections names the fields holding ordered child records that are
	// merged by child id rather than replaced wholesale.
	ChildCollections []string

	// OwnerField names the field holding the id of the principal owning the
	// aggregate. Empty means the kind has no owner.
	OwnerField string
}

// IsChildCollection reports whether field is merged by child id.
func (s Schema) IsChildCollection(field string) bool {
	for _, f := range s.ChildCollections {
		if f == field {
			return true
		}
	}
	return false
}

// OwnerOf returns the owner id of doc according to the schema.
func (s Schema) OwnerOf(doc Document) string {
	if s.OwnerField == "" {
		return ""
	}
	id, _ := IDOf(doc[s.OwnerField])
	return id
}

// Schemas maps every kind to its schema.
type Schemas map[Kind]Schema

// For returns the schema of kind, or a schema without child collections.
func (s Schemas) For(kind Kind) Schema {
	if schema, ok := s[kind]; ok {
		return schema
	}
	return Schema{Kind: kind}
}

// DefaultSchemas returns the schemas of the material-request domain.
func DefaultSchemas() Schemas {
	return Schemas{
		KindUser: {
			Kind:       KindUser,
			OwnerField: FieldID,
		},
		KindMaterialRequest: {
			Kind:             KindMaterialRequest,
			ChildCollections: []string{"items"},
			OwnerField:       "requesterId",
		},
		KindItemGroup: {
			Kind:             KindItemGroup,
			ChildCollections: []string{"items"},
		},
	}
}
