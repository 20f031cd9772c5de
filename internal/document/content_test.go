package document

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqualIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a := Content(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hello"}]}]}`)
	b := Content(`{ "content": [ {"content":[{"text":"hello","type":"text"}], "type":"paragraph"} ], "type": "doc" }`)
	assert.True(t, Equal(a, b))

	c := Content(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hello world"}]}]}`)
	assert.False(t, Equal(a, c))
}

func TestCanonicalKeepsNumbers(t *testing.T) {
	got, err := Canonical(Content(`{"type":"heading","attrs":{"level":2}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"attrs":{"level":2},"type":"heading"}`, string(got))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"empty", ``, true},
		{"null", `null`, true},
		{"array root", `[]`, true},
		{"missing type", `{"content":[]}`, true},
		{"content not array", `{"type":"doc","content":{}}`, true},
		{"child without type", `{"type":"doc","content":[{"text":"x"}]}`, true},
		{"well formed", `{"type":"doc","content":[{"type":"paragraph"}]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(Content(tt.content))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidContent)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCheckPersistentSources(t *testing.T) {
	ok := Content(`{"type":"doc","content":[{"type":"image","attrs":{"src":"https://cdn.example.com/a.png"}}]}`)
	assert.NoError(t, CheckPersistentSources(ok))

	blob := Content(`{"type":"doc","content":[{"type":"image","attrs":{"src":"blob:https://app/123"}}]}`)
	assert.True(t, errors.Is(CheckPersistentSources(blob), ErrTransientSource))

	data := Content(`{"type":"doc","content":[{"type":"image","attrs":{"src":"data:image/png;base64,AAAA"}}]}`)
	assert.ErrorIs(t, CheckPersistentSources(data), ErrTransientSource)
}

func TestTreeSnapshotRoundTrip(t *testing.T) {
	tree := NewTree()
	assert.True(t, tree.Empty())

	changes := 0
	tree.OnChange(func() { changes++ })
	require.NoError(t, tree.AppendParagraph("hello"))
	assert.Equal(t, 1, changes)

	snap, err := tree.Snapshot()
	require.NoError(t, err)
	assert.True(t, Equal(snap, Content(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hello"}]}]}`)))

	other := NewTree()
	require.NoError(t, other.Load(snap))
	again, err := other.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(snap), string(again))
}

func TestTreeRejectsTransientImage(t *testing.T) {
	tree := NewTree()
	err := tree.InsertImage("blob:http://localhost/abc", "")
	assert.ErrorIs(t, err, ErrTransientSource)
	assert.True(t, tree.Empty())
}

func TestTreeReadOnly(t *testing.T) {
	tree := NewTree()
	tree.SetEditable(false)
	assert.Error(t, tree.AppendParagraph("x"))
}

func TestPlainText(t *testing.T) {
	content := Content(`{"type":"doc","content":[
		{"type":"heading","attrs":{"level":1},"content":[{"type":"text","text":"Title"}]},
		{"type":"paragraph","content":[{"type":"text","text":"Body"}]}]}`)
	assert.Equal(t, "Title\nBody", PlainText(content))
}
