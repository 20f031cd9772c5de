package entity

import "testing"

func TestNewRef(t *testing.T) {
	cases := []struct {
		kind    Kind
		id      string
		wantErr bool
	}{
		{kind: KindEpic, id: "E123"},
		{kind: "CARD", id: "c-1"},
		{kind: "story", id: "s-1", wantErr: true},
		{kind: KindTest, id: "  ", wantErr: true},
	}
	for _, tc := range cases {
		ref, err := NewRef(tc.kind, tc.id)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("NewRef(%q, %q) expected error", tc.kind, tc.id)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewRef(%q, %q) error = %v", tc.kind, tc.id, err)
		}
		if ref.IsZero() || ref.ID() != tc.id {
			t.Fatalf("unexpected ref %v", ref)
		}
	}
}

func TestLinkable(t *testing.T) {
	if KindDocument.Linkable() {
		t.Fatal("document must not be a link target kind")
	}
	for _, k := range []Kind{KindEpic, KindFeature, KindCard, KindTest} {
		if !k.Linkable() {
			t.Fatalf("%s should be linkable", k)
		}
	}
}

func TestRefString(t *testing.T) {
	if got := Document("d1").String(); got != "document:d1" {
		t.Fatalf("String() = %q", got)
	}
}
