// Package block defines the content model for project documents: a flat
// ordered list of blocks, where a columns block holds one ordered slot of
// blocks per column. Columns never nest, so the tree is at most two levels
// deep.
package block

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the closed set of block variants.
type Kind string

const (
	KindText    Kind = "text"
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindFile    Kind = "file"
	KindButton  Kind = "button"
	KindDivider Kind = "divider"
	KindColumns Kind = "columns"
	// KindUnknown marks content this version cannot interpret. The raw
	// payload is kept so it survives a save/load round trip untouched.
	KindUnknown Kind = "unknown"
)

// TextStyle selects the rendering of a text block.
type TextStyle string

const (
	StyleHeading TextStyle = "heading"
	StyleBody    TextStyle = "body"
)

// Width selects how a columns block fills the page.
type Width string

const (
	WidthFull  Width = "full"
	WidthBoxed Width = "boxed"
)

const (
	MinColumnCount = 1
	MaxColumnCount = 3
)

// Block is the closed union of content variants. All identifiers are minted
// by the constructors in this package and are stable for the lifetime of the
// in-memory document; they are stripped on marshal and minted fresh on load.
type Block interface {
	BlockID() string
	Kind() Kind
	isBlock()
}

type Text struct {
	ID      string
	Content string
	Style   TextStyle
}

type Image struct {
	ID      string
	URL     string
	Caption string
}

type Video struct {
	ID       string
	URL      string
	EmbedURL string
	Caption  string
}

type File struct {
	ID       string
	URL      string
	Filename string
	FileType string
	FileSize int64
	Label    string
	Icon     string
}

type Button struct {
	ID    string
	Text  string
	URL   string
	Icon  string
	Style string
	Size  string
}

type Divider struct {
	ID    string
	Style string
}

// Slot is one column's ordered block list. Slot blocks are never Columns.
type Slot struct {
	ID     string
	Blocks []Block
}

type Columns struct {
	ID    string
	Count int
	Width Width
	Slots []Slot
}

// Unknown preserves an unrecognized block verbatim. It is inert: no editor
// operation besides move and delete applies to it.
type Unknown struct {
	ID  string
	Raw []byte
}

func (b Text) BlockID() string    { return b.ID }
func (b Image) BlockID() string   { return b.ID }
func (b Video) BlockID() string   { return b.ID }
func (b File) BlockID() string    { return b.ID }
func (b Button) BlockID() string  { return b.ID }
func (b Divider) BlockID() string { return b.ID }
func (b Columns) BlockID() string { return b.ID }
func (b Unknown) BlockID() string { return b.ID }

func (Text) Kind() Kind    { return KindText }
func (Image) Kind() Kind   { return KindImage }
func (Video) Kind() Kind   { return KindVideo }
func (File) Kind() Kind    { return KindFile }
func (Button) Kind() Kind  { return KindButton }
func (Divider) Kind() Kind { return KindDivider }
func (Columns) Kind() Kind { return KindColumns }
func (Unknown) Kind() Kind { return KindUnknown }

func (Text) isBlock()    {}
func (Image) isBlock()   {}
func (Video) isBlock()   {}
func (File) isBlock()    {}
func (Button) isBlock()  {}
func (Divider) isBlock() {}
func (Columns) isBlock() {}
func (Unknown) isBlock() {}

// Document is an ordered sequence of top-level blocks. Order is the sole
// source of vertical layout.
type Document struct {
	Blocks []Block
}

func NewText() Text {
	return Text{ID: uuid.NewString(), Style: StyleBody}
}

func NewImage() Image {
	return Image{ID: uuid.NewString()}
}

func NewVideo() Video {
	return Video{ID: uuid.NewString()}
}

func NewFile() File {
	return File{ID: uuid.NewString()}
}

func NewButton() Button {
	return Button{ID: uuid.NewString(), Text: "Button", Style: "primary", Size: "medium"}
}

func NewDivider() Divider {
	return Divider{ID: uuid.NewString(), Style: "line"}
}

func NewSlot() Slot {
	return Slot{ID: uuid.NewString(), Blocks: []Block{}}
}

// NewColumns creates a two-column, full-width container with empty slots.
func NewColumns() Columns {
	return Columns{
		ID:    uuid.NewString(),
		Count: 2,
		Width: WidthFull,
		Slots: []Slot{NewSlot(), NewSlot()},
	}
}

// New returns a fresh block of the requested kind with defaults. Insertion
// into a document is the caller's responsibility.
func New(kind Kind) (Block, error) {
	switch kind {
	case KindText:
		return NewText(), nil
	case KindImage:
		return NewImage(), nil
	case KindVideo:
		return NewVideo(), nil
	case KindFile:
		return NewFile(), nil
	case KindButton:
		return NewButton(), nil
	case KindDivider:
		return NewDivider(), nil
	case KindColumns:
		return NewColumns(), nil
	default:
		return nil, fmt.Errorf("unknown block kind %q", kind)
	}
}

// ChangeColumnCount returns a copy of c with exactly count slots. Growing
// appends fresh empty slots; shrinking appends the blocks of the removed
// trailing slots, in order, to the new last slot. No block is ever dropped.
func ChangeColumnCount(c Columns, count int) (Columns, error) {
	if count < MinColumnCount || count > MaxColumnCount {
		return Columns{}, fmt.Errorf("column count %d out of range", count)
	}
	next := cloneColumns(c)
	next.Count = count
	switch {
	case count > len(next.Slots):
		for len(next.Slots) < count {
			next.Slots = append(next.Slots, NewSlot())
		}
	case count < len(next.Slots):
		last := count - 1
		for _, removed := range next.Slots[count:] {
			next.Slots[last].Blocks = append(next.Slots[last].Blocks, removed.Blocks...)
		}
		next.Slots = next.Slots[:count]
	}
	return next, nil
}

// InsertAfter returns a copy of doc with b inserted immediately after the
// block with id afterID, or appended when afterID is empty or not found.
func InsertAfter(doc Document, b Block, afterID string) Document {
	next := Clone(doc)
	if afterID != "" {
		for i, existing := range next.Blocks {
			if existing.BlockID() == afterID {
				next.Blocks = append(next.Blocks[:i+1], append([]Block{b}, next.Blocks[i+1:]...)...)
				return next
			}
		}
	}
	next.Blocks = append(next.Blocks, b)
	return next
}

// Remove returns a copy of doc without the block with the given id, searching
// top-level blocks and column slots. Removing an unknown id is a no-op.
func Remove(doc Document, id string) Document {
	next := Clone(doc)
	for i, b := range next.Blocks {
		if b.BlockID() == id {
			next.Blocks = append(next.Blocks[:i], next.Blocks[i+1:]...)
			return next
		}
		cols, ok := b.(Columns)
		if !ok {
			continue
		}
		for si := range cols.Slots {
			for bi, inner := range cols.Slots[si].Blocks {
				if inner.BlockID() == id {
					slot := cols.Slots[si]
					slot.Blocks = append(slot.Blocks[:bi], slot.Blocks[bi+1:]...)
					cols.Slots[si] = slot
					next.Blocks[i] = cols
					return next
				}
			}
		}
	}
	return next
}

// Replace returns a copy of doc with the block carrying id replaced by nb,
// keeping its position and identifier. The replacement never changes a
// block's containment level; replacing a slot block with a Columns value is
// rejected to preserve the two-level invariant.
func Replace(doc Document, id string, nb Block) (Document, error) {
	next := Clone(doc)
	for i, b := range next.Blocks {
		if b.BlockID() == id {
			next.Blocks[i] = withID(nb, id)
			return next, nil
		}
		cols, ok := b.(Columns)
		if !ok {
			continue
		}
		for si := range cols.Slots {
			for bi, inner := range cols.Slots[si].Blocks {
				if inner.BlockID() != id {
					continue
				}
				if nb.Kind() == KindColumns {
					return Document{}, fmt.Errorf("columns block cannot be placed inside a column slot")
				}
				cols.Slots[si].Blocks[bi] = withID(nb, id)
				next.Blocks[i] = cols
				return next, nil
			}
		}
	}
	return Document{}, fmt.Errorf("block %s not found", id)
}

// Find returns the block with the given id, searching slots as well.
func Find(doc Document, id string) (Block, bool) {
	for _, b := range doc.Blocks {
		if b.BlockID() == id {
			return b, true
		}
		if cols, ok := b.(Columns); ok {
			for _, slot := range cols.Slots {
				for _, inner := range slot.Blocks {
					if inner.BlockID() == id {
						return inner, true
					}
				}
			}
		}
	}
	return nil, false
}

// IDs returns every block identifier in document order, slots included.
func IDs(doc Document) []string {
	var ids []string
	for _, b := range doc.Blocks {
		ids = append(ids, b.BlockID())
		if cols, ok := b.(Columns); ok {
			for _, slot := range cols.Slots {
				for _, inner := range slot.Blocks {
					ids = append(ids, inner.BlockID())
				}
			}
		}
	}
	return ids
}

// Clone deep-copies a document. Leaf blocks are values and copy by
// assignment; columns need their slot slices duplicated.
func Clone(doc Document) Document {
	blocks := make([]Block, len(doc.Blocks))
	for i, b := range doc.Blocks {
		blocks[i] = cloneBlock(b)
	}
	return Document{Blocks: blocks}
}

func cloneBlock(b Block) Block {
	switch v := b.(type) {
	case Columns:
		return cloneColumns(v)
	case Unknown:
		raw := make([]byte, len(v.Raw))
		copy(raw, v.Raw)
		v.Raw = raw
		return v
	default:
		return b
	}
}

func cloneColumns(c Columns) Columns {
	slots := make([]Slot, len(c.Slots))
	for i, slot := range c.Slots {
		blocks := make([]Block, len(slot.Blocks))
		for j, inner := range slot.Blocks {
			blocks[j] = cloneBlock(inner)
		}
		slots[i] = Slot{ID: slot.ID, Blocks: blocks}
	}
	c.Slots = slots
	return c
}

func withID(b Block, id string) Block {
	switch v := b.(type) {
	case Text:
		v.ID = id
		return v
	case Image:
		v.ID = id
		return v
	case Video:
		v.ID = id
		return v
	case File:
		v.ID = id
		return v
	case Button:
		v.ID = id
		return v
	case Divider:
		v.ID = id
		return v
	case Columns:
		v.ID = id
		return v
	case Unknown:
		v.ID = id
		return v
	}
	return b
}
