package convstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Message is one entry in a branch document. Identity is immutable once
// created; content is mutable only while Streaming is set.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     Content      `json:"content"`
	Thinking    string       `json:"thinking,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Streaming   bool         `json:"streaming,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolResult records the outcome of one tool invocation attached to an
// assistant message.
type ToolResult struct {
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Content is either plain text or an ordered list of typed blocks. On disk it
// is a bare JSON string in the text case and an array in the block case; both
// shapes exist in stored conversations and must round-trip unchanged.
type Content struct {
	text   string
	blocks []Block
	isList bool
}

// Text returns plain-text content.
func Text(s string) Content {
	return Content{text: s}
}

// Blocks returns block-list content.
func Blocks(blocks ...Block) Content {
	return Content{blocks: blocks, isList: true}
}

// IsBlocks reports whether the content is a block list.
func (c Content) IsBlocks() bool { return c.isList }

// BlockList returns the blocks, or nil for text content.
func (c Content) BlockList() []Block {
	if !c.isList {
		return nil
	}
	return c.blocks
}

// PlainText flattens the content to searchable/displayable text: the string
// itself, or the concatenation of text blocks.
func (c Content) PlainText() string {
	if !c.isList {
		return c.text
	}
	var b strings.Builder
	for _, blk := range c.blocks {
		if tb, ok := blk.(TextBlock); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(tb.Text)
		}
	}
	return b.String()
}

func (c Content) MarshalJSON() ([]byte, error) {
	if !c.isList {
		return json.Marshal(c.text)
	}
	out := make([]json.RawMessage, 0, len(c.blocks))
	for _, blk := range c.blocks {
		b, err := marshalBlock(blk)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return json.Marshal(out)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		*c = Text("")
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Text(s)
		return nil
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return err
		}
		blocks := make([]Block, 0, len(raws))
		for _, r := range raws {
			blk, err := unmarshalBlock(r)
			if err != nil {
				return err
			}
			blocks = append(blocks, blk)
		}
		*c = Blocks(blocks...)
		return nil
	default:
		// Legacy single-object shapes survive as one opaque block.
		*c = Blocks(RawBlock{Raw: append(json.RawMessage(nil), data...)})
		return nil
	}
}

// Block is one typed element of block-list content.
type Block interface {
	blockType() string
}

// TextBlock is a run of assistant or user text.
type TextBlock struct {
	Text string `json:"text"`
}

// ToolUseBlock records a tool invocation requested by the model.
type ToolUseBlock struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultBlock carries the result of a tool invocation inline in content.
type ToolResultBlock struct {
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// FileRefBlock references an uploaded file by id.
type FileRefBlock struct {
	FileID    string `json:"file_id"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// CompactionBlock marks a point where earlier history was summarized away.
type CompactionBlock struct {
	Summary  string `json:"summary,omitempty"`
	Replaced int    `json:"replaced,omitempty"`
}

// RawBlock preserves a block of unknown type verbatim so that documents
// written by newer or older versions are not destroyed on rewrite.
type RawBlock struct {
	Raw json.RawMessage
}

func (TextBlock) blockType() string       { return "text" }
func (ToolUseBlock) blockType() string    { return "tool_use" }
func (ToolResultBlock) blockType() string { return "tool_result" }
func (FileRefBlock) blockType() string    { return "file_ref" }
func (CompactionBlock) blockType() string { return "compaction" }
func (RawBlock) blockType() string        { return "" }

func marshalBlock(blk Block) (json.RawMessage, error) {
	if rb, ok := blk.(RawBlock); ok {
		return rb.Raw, nil
	}
	body, err := json.Marshal(blk)
	if err != nil {
		return nil, err
	}
	// Inject the type tag into the encoded object.
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	m["type"] = json.RawMessage(fmt.Sprintf("%q", blk.blockType()))
	return json.Marshal(m)
}

func unmarshalBlock(data json.RawMessage) (Block, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	switch head.Type {
	case "text":
		var b TextBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_use":
		var b ToolUseBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_result":
		var b ToolResultBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "file_ref":
		var b FileRefBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "compaction":
		var b CompactionBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return RawBlock{Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
