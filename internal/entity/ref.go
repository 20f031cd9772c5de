// Package entity names the product artifacts a document can be linked to.
package entity

import (
	"fmt"
	"strings"
)

// Kind is the closed set of artifact types an edge endpoint can have.
type Kind string

const (
	KindDocument Kind = "document"
	KindEpic     Kind = "epic"
	KindFeature  Kind = "feature"
	KindCard     Kind = "card"
	KindTest     Kind = "test"
)

var kinds = []Kind{KindDocument, KindEpic, KindFeature, KindCard, KindTest}

// Kinds lists every valid kind in a stable order.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// ParseKind accepts a kind name case-insensitively.
func ParseKind(value string) (Kind, error) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, k := range kinds {
		if k == normalized {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", value)
}

// Linkable reports whether a document may point at this kind.
func (k Kind) Linkable() bool {
	return k == KindEpic || k == KindFeature || k == KindCard || k == KindTest
}

// Ref is a typed pointer to one artifact. The zero value is invalid; build
// refs with NewRef or Document.
type Ref struct {
	kind Kind
	id   string
}

func NewRef(kind Kind, id string) (Ref, error) {
	parsed, err := ParseKind(string(kind))
	if err != nil {
		return Ref{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Ref{}, fmt.Errorf("%s id is required", parsed)
	}
	return Ref{kind: parsed, id: id}, nil
}

// Document is shorthand for a document ref; it panics on an empty id.
func Document(id string) Ref {
	ref, err := NewRef(KindDocument, id)
	if err != nil {
		panic(err)
	}
	return ref
}

func (r Ref) Kind() Kind     { return r.kind }
func (r Ref) ID() string     { return r.id }
func (r Ref) IsZero() bool   { return r.kind == "" }
func (r Ref) String() string { return string(r.kind) + ":" + r.id }
