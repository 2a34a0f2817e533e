package inference

import "github.com/MrWong99/koko/pkg/tokenize"

// MaxTokens is the longest unpadded segment handed to the model in one
// forward pass. With the two pad ids it fills the model's 512-token context.
const MaxTokens = 510

// splitter cuts a token sequence into model-sized segments along prosodic
// boundaries.
type splitter struct {
	strong map[int]bool // sentence ends
	weak   map[int]bool // clause boundaries
	space  int
	max    int
}

func newSplitter(v *tokenize.Vocab, maxTokens int) splitter {
	set := func(ids []int) map[int]bool {
		m := make(map[int]bool, len(ids))
		for _, id := range ids {
			m[id] = true
		}
		return m
	}
	space, ok := v.ID(" ")
	if !ok {
		space = -1
	}
	return splitter{
		strong: set(v.IDs(".", "!", "?", "…")),
		weak:   set(v.IDs(",", ";", ":", "—")),
		space:  space,
		max:    maxTokens,
	}
}

// split returns the segments of ids. Sentences become separate segments;
// a sentence longer than max is cut after the last clause boundary or word
// gap that fits, or hard at max when neither exists. Segments holding only
// word gaps are dropped.
func (s splitter) split(ids []int) [][]int {
	var out [][]int
	start := 0
	for i, id := range ids {
		if !s.strong[id] {
			continue
		}
		// Keep runs like "?!" together.
		if i+1 < len(ids) && s.strong[ids[i+1]] {
			continue
		}
		out = s.pack(out, ids[start:i+1])
		start = i + 1
	}
	return s.pack(out, ids[start:])
}

func (s splitter) pack(out [][]int, seg []int) [][]int {
	seg = s.trim(seg)
	for len(seg) > s.max {
		cut := s.cutPoint(seg)
		if head := s.trim(seg[:cut]); len(head) > 0 {
			out = append(out, head)
		}
		seg = s.trim(seg[cut:])
	}
	if len(seg) > 0 {
		out = append(out, seg)
	}
	return out
}

// cutPoint picks where to end the first piece of an over-long segment.
func (s splitter) cutPoint(seg []int) int {
	floor := s.max / 2
	for i := s.max; i > floor; i-- {
		if s.weak[seg[i-1]] {
			return i
		}
	}
	for i := s.max; i > floor; i-- {
		if seg[i] == s.space {
			return i
		}
	}
	return s.max
}

func (s splitter) trim(seg []int) []int {
	for len(seg) > 0 && seg[0] == s.space {
		seg = seg[1:]
	}
	for len(seg) > 0 && seg[len(seg)-1] == s.space {
		seg = seg[:len(seg)-1]
	}
	return seg
}
