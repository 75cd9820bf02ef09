package export

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// TieBreak orders messages with equal effective timestamps.
type TieBreak string

const (
	// TieBreakEncounter keeps node-map iteration order.
	TieBreakEncounter TieBreak = "encounter"
	// TieBreakNodeID orders by node id, then encounter order.
	TieBreakNodeID TieBreak = "node_id"
)

// MissingTime decides where messages without a creation time land.
type MissingTime string

const (
	// MissingInherit uses the previous candidate's time in encounter order, falling back to
	// the conversation's create time.
	MissingInherit MissingTime = "inherit"
	MissingFirst   MissingTime = "first"
	MissingLast    MissingTime = "last"
)

type Ordering struct {
	TieBreak    TieBreak
	MissingTime MissingTime
}

func DefaultOrdering() Ordering {
	return Ordering{TieBreak: TieBreakEncounter, MissingTime: MissingInherit}
}

func ParseOrdering(tieBreak, missing string) (Ordering, error) {
	o := DefaultOrdering()
	switch TieBreak(strings.TrimSpace(tieBreak)) {
	case "", TieBreakEncounter:
	case TieBreakNodeID:
		o.TieBreak = TieBreakNodeID
	default:
		return o, fmt.Errorf("unknown tie break %q", tieBreak)
	}
	switch MissingTime(strings.TrimSpace(missing)) {
	case "", MissingInherit:
	case MissingFirst:
		o.MissingTime = MissingFirst
	case MissingLast:
		o.MissingTime = MissingLast
	default:
		return o, fmt.Errorf("unknown missing-time policy %q", missing)
	}
	return o, nil
}

type candidate struct {
	msg Message
	seq int
	sec float64
	has bool
}

// order assigns effective times to candidates (in encounter order) and sorts them.
func (o Ordering) order(cands []candidate, convCreated float64, hasConvCreated bool) []Message {
	last, haveLast := convCreated, hasConvCreated
	for i := range cands {
		c := &cands[i]
		if c.has {
			last, haveLast = c.sec, true
			continue
		}
		switch o.MissingTime {
		case MissingFirst:
			c.sec = math.Inf(-1)
		case MissingLast:
			c.sec = math.Inf(1)
		default:
			if haveLast {
				c.sec = last
			} else {
				c.sec = 0
			}
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.sec != b.sec {
			return a.sec < b.sec
		}
		if o.TieBreak == TieBreakNodeID && a.msg.NodeID != b.msg.NodeID {
			return a.msg.NodeID < b.msg.NodeID
		}
		return a.seq < b.seq
	})
	out := make([]Message, len(cands))
	for i, c := range cands {
		m := c.msg
		m.CreatedAt = epochTime(c.sec)
		if math.IsInf(c.sec, 1) && i > 0 {
			// keep CreatedAt non-decreasing for messages pushed to the end
			m.CreatedAt = out[i-1].CreatedAt
		}
		out[i] = m
	}
	return out
}
