package capability

import "github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"

// activeIndex is one executor's list of live token ids. Membership and
// removal are O(1); removal swaps the last entry into the vacated slot.
type activeIndex struct {
	ids []contracts.TokenID
	pos map[contracts.TokenID]int
}

func newActiveIndex() *activeIndex {
	return &activeIndex{pos: make(map[contracts.TokenID]int)}
}

func (x *activeIndex) add(id contracts.TokenID) {
	if _, ok := x.pos[id]; ok {
		return
	}
	x.pos[id] = len(x.ids)
	x.ids = append(x.ids, id)
}

func (x *activeIndex) remove(id contracts.TokenID) bool {
	i, ok := x.pos[id]
	if !ok {
		return false
	}
	last := len(x.ids) - 1
	if i != last {
		moved := x.ids[last]
		x.ids[i] = moved
		x.pos[moved] = i
	}
	x.ids = x.ids[:last]
	delete(x.pos, id)
	return true
}

func (x *activeIndex) contains(id contracts.TokenID) bool {
	_, ok := x.pos[id]
	return ok
}

func (x *activeIndex) len() int { return len(x.ids) }

// page copies at most max ids starting at start.
func (x *activeIndex) page(start, max int) []contracts.TokenID {
	if start < 0 || start >= len(x.ids) || max <= 0 {
		return nil
	}
	end := start + max
	if end > len(x.ids) {
		end = len(x.ids)
	}
	out := make([]contracts.TokenID, end-start)
	copy(out, x.ids[start:end])
	return out
}

func (x *activeIndex) snapshot() []contracts.TokenID {
	out := make([]contracts.TokenID, len(x.ids))
	copy(out, x.ids)
	return out
}
