package document

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Core is the editing core's surface as seen by the save, asset and export
// paths. Implementations own the live tree; callers only exchange snapshots.
type Core interface {
	Snapshot() (Content, error)
	Load(Content) error
	Editable() bool
	Empty() bool
	InsertImage(src, alt string) error
}

// Tree is an in-memory Core used by server-side sessions, the CLI and tests.
type Tree struct {
	mu       sync.Mutex
	root     Node
	editable bool
	onChange func()
}

// NewTree returns an editable tree holding an empty doc node.
func NewTree() *Tree {
	return &Tree{root: Node{Type: "doc"}, editable: true}
}

// OnChange registers the callback fired after every mutation.
func (t *Tree) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Tree) SetEditable(editable bool) {
	t.mu.Lock()
	t.editable = editable
	t.mu.Unlock()
}

func (t *Tree) Editable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.editable
}

func (t *Tree) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.root.Content) == 0
}

func (t *Tree) Snapshot() (Content, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	payload, err := json.Marshal(t.root)
	if err != nil {
		return nil, fmt.Errorf("marshal tree: %w", err)
	}
	return Canonical(payload)
}

func (t *Tree) Load(content Content) error {
	if err := Validate(content); err != nil {
		return err
	}
	root, err := Parse(content)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.root = root
	t.mu.Unlock()
	return nil
}

// Apply runs a command against the root node and notifies listeners.
func (t *Tree) Apply(command func(root *Node) error) error {
	t.mu.Lock()
	if !t.editable {
		t.mu.Unlock()
		return fmt.Errorf("tree is read-only")
	}
	if err := command(&t.root); err != nil {
		t.mu.Unlock()
		return err
	}
	notify := t.onChange
	t.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

// AppendParagraph adds a paragraph holding text.
func (t *Tree) AppendParagraph(text string) error {
	return t.Apply(func(root *Node) error {
		para := Node{Type: "paragraph"}
		if text != "" {
			para.Content = []Node{{Type: "text", Text: text}}
		}
		root.Content = append(root.Content, para)
		return nil
	})
}

func (t *Tree) InsertImage(src, alt string) error {
	if IsTransientSource(src) {
		return fmt.Errorf("%w: %.40s", ErrTransientSource, src)
	}
	return t.Apply(func(root *Node) error {
		attrs := map[string]any{"src": src}
		if alt != "" {
			attrs["alt"] = alt
		}
		root.Content = append(root.Content, Node{Type: "image", Attrs: attrs})
		return nil
	})
}
