package block

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// The wire format is the persisted shape of a document: a kind discriminator
// plus variant fields, with columns carrying slots[i].blocks one level deep.
// Block and slot identifiers are a client-side addressing concern and are
// stripped on marshal; loading mints fresh ones.

type wireContent struct {
	Blocks []json.RawMessage `json:"blocks"`
}

type wireBlock struct {
	ID       string     `json:"id,omitempty"`
	Kind     string     `json:"kind"`
	Content  string     `json:"content,omitempty"`
	Style    string     `json:"style,omitempty"`
	URL      string     `json:"url,omitempty"`
	Caption  string     `json:"caption,omitempty"`
	EmbedURL string     `json:"embedUrl,omitempty"`
	Filename string     `json:"filename,omitempty"`
	FileType string     `json:"fileType,omitempty"`
	FileSize int64      `json:"fileSize,omitempty"`
	Label    string     `json:"label,omitempty"`
	Icon     string     `json:"icon,omitempty"`
	Text     string     `json:"text,omitempty"`
	Size     string     `json:"size,omitempty"`
	Count    int        `json:"columnCount,omitempty"`
	Width    string     `json:"containerWidth,omitempty"`
	Slots    []wireSlot `json:"slots,omitempty"`
}

type wireSlot struct {
	ID     string            `json:"id,omitempty"`
	Blocks []json.RawMessage `json:"blocks"`
}

// MarshalContent encodes a document for persistence.
func MarshalContent(doc Document) ([]byte, error) {
	return marshalContent(doc, false)
}

// MarshalEditing encodes a document for editor clients. Unlike the
// persisted form it carries block and slot identifiers, which clients
// address mutations and drags with.
func MarshalEditing(doc Document) ([]byte, error) {
	return marshalContent(doc, true)
}

func marshalContent(doc Document, withIDs bool) ([]byte, error) {
	out := wireContent{Blocks: make([]json.RawMessage, 0, len(doc.Blocks))}
	for _, b := range doc.Blocks {
		raw, err := marshalBlock(b, withIDs)
		if err != nil {
			return nil, err
		}
		out.Blocks = append(out.Blocks, raw)
	}
	return json.Marshal(out)
}

func marshalBlock(b Block, withIDs bool) (json.RawMessage, error) {
	id := ""
	if withIDs {
		id = b.BlockID()
	}
	switch v := b.(type) {
	case Text:
		return json.Marshal(wireBlock{ID: id, Kind: string(KindText), Content: v.Content, Style: string(v.Style)})
	case Image:
		return json.Marshal(wireBlock{ID: id, Kind: string(KindImage), URL: v.URL, Caption: v.Caption})
	case Video:
		return json.Marshal(wireBlock{ID: id, Kind: string(KindVideo), URL: v.URL, EmbedURL: v.EmbedURL, Caption: v.Caption})
	case File:
		return json.Marshal(wireBlock{ID: id, Kind: string(KindFile), URL: v.URL, Filename: v.Filename, FileType: v.FileType, FileSize: v.FileSize, Label: v.Label, Icon: v.Icon})
	case Button:
		return json.Marshal(wireBlock{ID: id, Kind: string(KindButton), Text: v.Text, URL: v.URL, Icon: v.Icon, Style: v.Style, Size: v.Size})
	case Divider:
		return json.Marshal(wireBlock{ID: id, Kind: string(KindDivider), Style: v.Style})
	case Columns:
		slots := make([]wireSlot, 0, len(v.Slots))
		for _, slot := range v.Slots {
			ws := wireSlot{Blocks: make([]json.RawMessage, 0, len(slot.Blocks))}
			if withIDs {
				ws.ID = slot.ID
			}
			for _, inner := range slot.Blocks {
				raw, err := marshalBlock(inner, withIDs)
				if err != nil {
					return nil, err
				}
				ws.Blocks = append(ws.Blocks, raw)
			}
			slots = append(slots, ws)
		}
		return json.Marshal(wireBlock{ID: id, Kind: string(KindColumns), Count: v.Count, Width: string(v.Width), Slots: slots})
	case Unknown:
		// Round-trip unrecognized content untouched.
		if withIDs {
			return taggedRaw(v)
		}
		return json.RawMessage(v.Raw), nil
	default:
		return nil, fmt.Errorf("unhandled block kind %q", b.Kind())
	}
}

func taggedRaw(v Unknown) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(v.Raw, &fields); err != nil {
		return json.RawMessage(v.Raw), nil
	}
	fields["id"] = v.ID
	return json.Marshal(fields)
}

// UnmarshalContent decodes persisted content, minting fresh identifiers for
// every block and slot. Malformed input degrades instead of failing: unknown
// kinds become inert Unknown blocks, missing slot arrays are created empty,
// and a slot/count mismatch is repaired with the same grow/shrink semantics
// as ChangeColumnCount. Editing is never blocked by a bad document.
func UnmarshalContent(data []byte) (Document, error) {
	if len(data) == 0 {
		return Document{Blocks: []Block{}}, nil
	}
	var in wireContent
	if err := json.Unmarshal(data, &in); err != nil {
		return Document{}, fmt.Errorf("decode content: %w", err)
	}
	doc := Document{Blocks: make([]Block, 0, len(in.Blocks))}
	for _, raw := range in.Blocks {
		doc.Blocks = append(doc.Blocks, decodeBlock(raw, true))
	}
	return doc, nil
}

// UnmarshalBlock decodes a single wire block, as received from editor
// mutation payloads. allowColumns is false when the block is destined for a
// column slot.
func UnmarshalBlock(data []byte, allowColumns bool) (Block, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty block payload")
	}
	return decodeBlock(data, allowColumns), nil
}

func decodeBlock(raw json.RawMessage, allowColumns bool) Block {
	var wb wireBlock
	if err := json.Unmarshal(raw, &wb); err != nil {
		return Unknown{ID: uuid.NewString(), Raw: append([]byte(nil), raw...)}
	}
	switch Kind(wb.Kind) {
	case KindText:
		t := NewText()
		t.Content = wb.Content
		if s := TextStyle(wb.Style); s == StyleHeading || s == StyleBody {
			t.Style = s
		}
		return t
	case KindImage:
		b := NewImage()
		b.URL = wb.URL
		b.Caption = wb.Caption
		return b
	case KindVideo:
		b := NewVideo()
		b.URL = wb.URL
		b.EmbedURL = wb.EmbedURL
		b.Caption = wb.Caption
		return b
	case KindFile:
		b := NewFile()
		b.URL = wb.URL
		b.Filename = wb.Filename
		b.FileType = wb.FileType
		b.FileSize = wb.FileSize
		b.Label = wb.Label
		b.Icon = wb.Icon
		return b
	case KindButton:
		b := NewButton()
		b.Text = wb.Text
		b.URL = wb.URL
		b.Icon = wb.Icon
		if wb.Style != "" {
			b.Style = wb.Style
		}
		if wb.Size != "" {
			b.Size = wb.Size
		}
		return b
	case KindDivider:
		b := NewDivider()
		if wb.Style != "" {
			b.Style = wb.Style
		}
		return b
	case KindColumns:
		if !allowColumns {
			// Nested columns violate the two-level invariant; keep the
			// payload but refuse to interpret it.
			return Unknown{ID: uuid.NewString(), Raw: append([]byte(nil), raw...)}
		}
		return decodeColumns(wb)
	default:
		return Unknown{ID: uuid.NewString(), Raw: append([]byte(nil), raw...)}
	}
}

func decodeColumns(wb wireBlock) Columns {
	c := NewColumns()
	if wb.Count >= MinColumnCount && wb.Count <= MaxColumnCount {
		c.Count = wb.Count
	}
	if w := Width(wb.Width); w == WidthFull || w == WidthBoxed {
		c.Width = w
	}
	slots := make([]Slot, 0, len(wb.Slots))
	for _, ws := range wb.Slots {
		slot := NewSlot()
		for _, raw := range ws.Blocks {
			slot.Blocks = append(slot.Blocks, decodeBlock(raw, false))
		}
		slots = append(slots, slot)
	}
	c.Slots = slots
	for len(c.Slots) < c.Count {
		c.Slots = append(c.Slots, NewSlot())
	}
	if len(c.Slots) > c.Count {
		repaired, err := ChangeColumnCount(c, c.Count)
		if err == nil {
			c = repaired
		}
	}
	return c
}
