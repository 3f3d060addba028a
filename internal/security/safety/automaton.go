// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package safety

// =============================================================================
// AHO-CORASICK AUTOMATON
// =============================================================================

// automaton finds every occurrence of a fixed set of byte strings in one
// left-to-right pass. It is immutable after build and safe for concurrent
// scans.
type automaton struct {
	nodes []acNode

	// root is a dense transition table for state 0, the hottest state.
	root [256]int32

	// lens holds the length of each input string by index.
	lens []int
}

type acNode struct {
	next map[byte]int32
	fail int32

	// out lists every input string ending at this state, including those
	// reached through failure links.
	out []int32
}

func buildAutomaton(words []string) *automaton {
	a := &automaton{
		nodes: []acNode{{next: make(map[byte]int32)}},
		lens:  make([]int, len(words)),
	}

	// Trie.
	for idx, w := range words {
		a.lens[idx] = len(w)
		if w == "" {
			continue
		}
		state := int32(0)
		for i := 0; i < len(w); i++ {
			c := w[i]
			nxt, ok := a.nodes[state].next[c]
			if !ok {
				a.nodes = append(a.nodes, acNode{next: make(map[byte]int32)})
				nxt = int32(len(a.nodes) - 1)
				a.nodes[state].next[c] = nxt
			}
			state = nxt
		}
		a.nodes[state].out = append(a.nodes[state].out, int32(idx))
	}

	// Failure links, breadth first so a node's fail target is final before
	// the node itself is visited.
	queue := make([]int32, 0, len(a.nodes))
	for c, child := range a.nodes[0].next {
		a.root[c] = child
		a.nodes[child].fail = 0
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		state := queue[0]
		queue = queue[1:]
		for c, child := range a.nodes[state].next {
			queue = append(queue, child)

			f := a.nodes[state].fail
			for {
				if nxt, ok := a.step(f, c); ok {
					a.nodes[child].fail = nxt
					break
				}
				if f == 0 {
					a.nodes[child].fail = 0
					break
				}
				f = a.nodes[f].fail
			}
			a.nodes[child].out = append(a.nodes[child].out, a.nodes[a.nodes[child].fail].out...)
		}
	}
	return a
}

// step follows a goto edge from state on c.
func (a *automaton) step(state int32, c byte) (int32, bool) {
	if state == 0 {
		nxt := a.root[c]
		return nxt, nxt != 0
	}
	nxt, ok := a.nodes[state].next[c]
	return nxt, ok
}

// scan calls fn for every occurrence of every input string in text, in
// order of end position. start and end are byte offsets, end exclusive.
func (a *automaton) scan(text []byte, fn func(word, start, end int)) {
	state := int32(0)
	for i := 0; i < len(text); i++ {
		c := text[i]
		for {
			if nxt, ok := a.step(state, c); ok {
				state = nxt
				break
			}
			if state == 0 {
				break
			}
			state = a.nodes[state].fail
		}
		for _, w := range a.nodes[state].out {
			fn(int(w), i+1-a.lens[w], i+1)
		}
	}
}
