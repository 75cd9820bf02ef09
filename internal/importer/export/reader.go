package export

import (
	"bytes"
	"fmt"
	"io"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/yungbote/memory-import/internal/pkg/logger"
)

const defaultBufferSize = 64 << 10

type Options struct {
	// BufferSize is the iterator's read buffer; it bounds how much of the stream is held
	// besides the conversation currently being decoded.
	BufferSize int
	Ordering   Ordering
}

type Stats struct {
	Conversations        int
	Messages             int
	EmptyConversations   int
	SkippedConversations int
	SkippedNodes         int
}

// Reader yields one reconstructed conversation at a time. It reads its input exactly once
// and cannot be restarted.
type Reader struct {
	log     *logger.Logger
	iter    *jsoniter.Iterator
	opts    Options
	started bool
	done    bool
	cur     *Conversation
	err     error
	stats   Stats
	index   int
}

func NewReader(r io.Reader, opts Options, log *logger.Logger) *Reader {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Ordering.TieBreak == "" || opts.Ordering.MissingTime == "" {
		def := DefaultOrdering()
		if opts.Ordering.TieBreak == "" {
			opts.Ordering.TieBreak = def.TieBreak
		}
		if opts.Ordering.MissingTime == "" {
			opts.Ordering.MissingTime = def.MissingTime
		}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Reader{
		log:  log.With("service", "ExportReader"),
		iter: jsoniter.Parse(jsonAPI, r, opts.BufferSize),
		opts: opts,
	}
}

// Next advances to the next non-empty conversation. It returns false at the end of the
// stream or on a stream-level error; check Err afterwards.
func (r *Reader) Next() bool {
	if r.done {
		return false
	}
	if !r.started {
		r.started = true
		if !r.seekArray() {
			r.done = true
			return false
		}
	}
	for {
		if !r.iter.ReadArray() {
			r.finish()
			return false
		}
		raw := r.iter.SkipAndReturnBytes()
		if r.iter.Error != nil {
			r.finish()
			return false
		}
		idx := r.index
		r.index++
		conv, err := decodeConversation(raw, r.opts.Ordering, r.log)
		if err != nil {
			r.stats.SkippedConversations++
			r.log.Warn("skipping malformed conversation", "index", idx, "error", err)
			continue
		}
		r.stats.SkippedNodes += conv.SkippedNodes
		if len(conv.Messages) == 0 {
			r.stats.EmptyConversations++
			continue
		}
		r.stats.Conversations++
		r.stats.Messages += len(conv.Messages)
		r.cur = conv
		return true
	}
}

// Conversation returns the conversation produced by the last successful Next.
func (r *Reader) Conversation() *Conversation { return r.cur }

func (r *Reader) Err() error { return r.err }

func (r *Reader) Stats() Stats { return r.stats }

// seekArray positions the iterator before the conversations array.
func (r *Reader) seekArray() bool {
	switch r.iter.WhatIsNext() {
	case jsoniter.ArrayValue:
		return true
	case jsoniter.ObjectValue:
		for field := r.iter.ReadObject(); field != ""; field = r.iter.ReadObject() {
			if field == "conversations" && r.iter.WhatIsNext() == jsoniter.ArrayValue {
				return true
			}
			r.iter.Skip()
		}
		if r.iter.Error != nil {
			r.err = fmt.Errorf("read export: %w", r.iter.Error)
			return false
		}
		r.err = fmt.Errorf("%w: object without a conversations array", ErrUnsupportedLayout)
		return false
	default:
		if r.iter.Error != nil {
			r.err = fmt.Errorf("read export: %w", r.iter.Error)
			return false
		}
		r.err = ErrUnsupportedLayout
		return false
	}
}

func (r *Reader) finish() {
	r.done = true
	r.cur = nil
	if r.iter.Error != nil {
		r.err = fmt.Errorf("read export: %w", r.iter.Error)
	}
}

// decodeConversation walks one raw conversation object. Node order is the order keys
// appear in the mapping object.
func decodeConversation(raw []byte, ordering Ordering, log *logger.Logger) (*Conversation, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("expected object, got %q", truncate(raw, 16))
	}
	it := jsoniter.ParseBytes(jsonAPI, raw)
	conv := &Conversation{}
	var (
		id, convID       string
		created, updated epoch
		cands            []candidate
		structErr        error
	)
	it.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
		switch field {
		case "id":
			id = readString(it)
		case "conversation_id":
			convID = readString(it)
		case "title":
			conv.Title = readString(it)
		case "create_time":
			created = readEpoch(it)
		case "update_time":
			updated = readEpoch(it)
		case "mapping":
			switch it.WhatIsNext() {
			case jsoniter.ObjectValue:
				it.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
					nodeRaw := it.SkipAndReturnBytes()
					c, ok, err := nodeCandidate(nodeRaw, key)
					if err != nil {
						conv.SkippedNodes++
						log.Warn("skipping malformed node", "node", key, "error", err)
						return it.Error == nil
					}
					if ok {
						c.seq = len(cands)
						cands = append(cands, c)
					}
					return it.Error == nil
				})
			case jsoniter.NilValue:
				it.Skip()
			default:
				structErr = fmt.Errorf("mapping is not an object")
				it.Skip()
			}
		case "messages":
			if it.WhatIsNext() != jsoniter.ArrayValue {
				it.Skip()
				return true
			}
			it.ReadArrayCB(func(it *jsoniter.Iterator) bool {
				msgRaw := it.SkipAndReturnBytes()
				c, ok, err := flatCandidate(msgRaw)
				if err != nil {
					conv.SkippedNodes++
					log.Warn("skipping malformed message", "error", err)
					return it.Error == nil
				}
				if ok {
					c.seq = len(cands)
					cands = append(cands, c)
				}
				return it.Error == nil
			})
		default:
			it.Skip()
		}
		return it.Error == nil
	})
	if it.Error != nil && it.Error != io.EOF {
		return nil, it.Error
	}
	if structErr != nil {
		return nil, structErr
	}
	conv.ID = convID
	if conv.ID == "" {
		conv.ID = id
	}
	if conv.ID == "" {
		conv.ID = uuid.NewSHA1(uuid.NameSpaceOID, raw).String()
	}
	conv.CreatedAt = epochTime(created.sec)
	conv.UpdatedAt = epochTime(updated.sec)
	conv.Messages = ordering.order(cands, created.sec, created.valid)
	return conv, nil
}

// nodeCandidate decodes a mapping entry. ok is false for nodes that are valid but not
// visible (roots, hidden, system and tool turns, empty text).
func nodeCandidate(raw []byte, key string) (candidate, bool, error) {
	var n rawNode
	if err := jsonAPI.Unmarshal(raw, &n); err != nil {
		return candidate{}, false, err
	}
	if n.Message == nil {
		return candidate{}, false, nil
	}
	if n.Message.Author == nil {
		return candidate{}, false, fmt.Errorf("message without author")
	}
	role, visible := isVisibleRole(n.Message.Author.Role)
	if !visible || n.Message.Metadata.Hidden {
		return candidate{}, false, nil
	}
	parts, err := decodeContent(n.Message.Content)
	if err != nil {
		return candidate{}, false, err
	}
	text, err := flatten(parts)
	if err != nil {
		return candidate{}, false, err
	}
	if text == "" {
		return candidate{}, false, nil
	}
	nodeID := n.ID
	if nodeID == "" {
		nodeID = key
	}
	return candidate{
		msg: Message{
			NodeID:       nodeID,
			Role:         role,
			Text:         text,
			HasTimestamp: n.Message.CreateTime.valid,
		},
		sec: n.Message.CreateTime.sec,
		has: n.Message.CreateTime.valid,
	}, true, nil
}

func flatCandidate(raw []byte) (candidate, bool, error) {
	var m flatMessage
	if err := jsonAPI.Unmarshal(raw, &m); err != nil {
		return candidate{}, false, err
	}
	role, visible := isVisibleRole(m.Role)
	if !visible || m.Hidden {
		return candidate{}, false, nil
	}
	parts, err := decodeContent(m.Content)
	if err != nil {
		return candidate{}, false, err
	}
	text, err := flatten(parts)
	if err != nil {
		return candidate{}, false, err
	}
	if text == "" {
		return candidate{}, false, nil
	}
	return candidate{
		msg: Message{
			NodeID:       m.ID,
			Role:         role,
			Text:         text,
			HasTimestamp: m.CreateTime.valid,
		},
		sec: m.CreateTime.sec,
		has: m.CreateTime.valid,
	}, true, nil
}

func readString(it *jsoniter.Iterator) string {
	if it.WhatIsNext() != jsoniter.StringValue {
		it.Skip()
		return ""
	}
	return it.ReadString()
}

func readEpoch(it *jsoniter.Iterator) epoch {
	var e epoch
	raw := it.SkipAndReturnBytes()
	if err := e.UnmarshalJSON(raw); err != nil {
		return epoch{}
	}
	return e
}
