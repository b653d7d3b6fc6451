// Package lpm implements longest-prefix-match membership sets for IPv4 and
// IPv6 CIDR prefixes, used by the prober loop to apply exclude/include
// prefix filters before a probe is ever sent.
package lpm

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

type node struct {
	children [2]*node
	terminal bool
}

func (n *node) insert(bits []byte) {
	cur := n
	for _, bit := range bits {
		if cur.children[bit] == nil {
			cur.children[bit] = &node{}
		}
		cur = cur.children[bit]
	}
	cur.terminal = true
}

// lookup walks bits until it either falls off the trie or finds a node
// marked terminal, which is a match for that prefix and every longer one
// sharing it.
func (n *node) lookup(bits []byte) bool {
	cur := n
	if cur.terminal {
		return true
	}
	for _, bit := range bits {
		cur = cur.children[bit]
		if cur == nil {
			return false
		}
		if cur.terminal {
			return true
		}
	}
	return false
}

// Set is a pair of independent prefix tries, one per address family:
// membership of a dotted-quad address is checked only against the IPv4
// trie, and a v6 address only against the IPv6 trie.
type Set struct {
	v4 *node
	v6 *node
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{v4: &node{}, v6: &node{}}
}

// Insert adds prefix (e.g. "192.0.2.0/24" or "2001:db8::/32") to the set.
func (s *Set) Insert(prefix string) error {
	p, err := netip.ParsePrefix(strings.TrimSpace(prefix))
	if err != nil {
		return fmt.Errorf("lpm: invalid prefix %q: %w", prefix, err)
	}
	p = p.Masked()
	bits := addrBits(p.Addr())[:p.Bits()]
	if p.Addr().Is4() {
		s.v4.insert(bits)
	} else {
		s.v6.insert(bits)
	}
	return nil
}

// InsertFile loads one prefix per line from path, skipping blank lines and
// lines starting with '#'.
func (s *Set) InsertFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("lpm: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := s.Insert(line); err != nil {
			return fmt.Errorf("lpm: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("lpm: reading %s: %w", path, err)
	}
	return nil
}

// Lookup reports whether addr matches any inserted prefix of the same
// address family.
func (s *Set) Lookup(addr netip.Addr) bool {
	bits := addrBits(addr)
	if addr.Is4() {
		return s.v4.lookup(bits)
	}
	return s.v6.lookup(bits)
}

// addrBits decomposes addr into one byte per bit, most significant first,
// for the trie to walk one level per bit.
func addrBits(addr netip.Addr) []byte {
	raw := addr.AsSlice()
	bits := make([]byte, 0, len(raw)*8)
	for _, b := range raw {
		for i := 7; i >= 0; i-- {
			bits = append(bits, (b>>uint(i))&1)
		}
	}
	return bits
}
