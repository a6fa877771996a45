package chat

import (
	"strings"
	"unicode"
)

// MaxMessageLength is the longest message Slack accepts over RTM.
const MaxMessageLength = 4096

const (
	fenceMarker = "```"
	openFence   = fenceMarker + "\n"
	closeFence  = "\n" + fenceMarker + "\n"
	fenceCost   = len(openFence) + len(closeFence)
)

// EffectiveLimit caps a configured size limit at MaxMessageLength. Zero or
// negative means no application limit.
func EffectiveLimit(configured int) int {
	if configured <= 0 || configured > MaxMessageLength {
		return MaxMessageLength
	}
	return configured
}

// Chunk splits body into pieces of at most limit runes, preferring to break
// after whitespace. When body opens a fenced block, every continuation piece
// reopens the fence, and every piece left with an unbalanced fence is closed,
// so each piece renders on its own. A limit of zero or less means unlimited.
// Chunk("", n) is [""].
func Chunk(body string, limit int) []string {
	fenced := strings.HasPrefix(body, fenceMarker)
	if limit <= 0 {
		return decorate([]string{body}, fenced)
	}
	if limit > fenceCost {
		return pack(body, limit, fenced)
	}
	// too small to carry fence markers reliably
	parts := decorate(split(body, limit), fenced)
	if fitsLimit(parts, limit) {
		return parts
	}
	return split(body, limit)
}

// pack cuts body one piece at a time, measuring each piece after its fence
// decoration. A piece that overflows is cut again with the overflow taken off
// its budget; later pieces start from the full limit.
func pack(body string, limit int, fenced bool) []string {
	rs := []rune(body)
	var out []string
	for {
		reopen := fenced && len(out) > 0
		if p := dress(string(rs), reopen); runeLen(p) <= limit {
			return append(out, p)
		}
		budget := min(limit, len(rs)-1)
		floor := fenceFloor(rs)
		for {
			cut := cutPoint(rs, budget, floor)
			p := dress(string(rs[:cut]), reopen)
			n := runeLen(p)
			if n <= limit || budget <= limit-fenceCost {
				out = append(out, p)
				rs = rs[cut:]
				break
			}
			budget = max(limit-fenceCost, budget-(n-limit))
		}
	}
}

// fenceFloor is the rune index a cut must land past: the end of the opening
// fence line when rs starts with a fence marker, zero otherwise.
func fenceFloor(rs []rune) int {
	if !strings.HasPrefix(string(rs), fenceMarker) {
		return 0
	}
	for i := len(fenceMarker); i < len(rs); i++ {
		if rs[i] == '\n' {
			return i + 1
		}
	}
	return len(fenceMarker)
}

func fitsLimit(parts []string, limit int) bool {
	for _, p := range parts {
		if runeLen(p) > limit {
			return false
		}
	}
	return true
}

func runeLen(s string) int { return len([]rune(s)) }

// split cuts body into pieces of at most limit runes with no decoration.
func split(body string, limit int) []string {
	rs := []rune(body)
	if len(rs) <= limit {
		return []string{body}
	}
	var parts []string
	for len(rs) > limit {
		cut := cutPoint(rs, limit, 0)
		parts = append(parts, string(rs[:cut]))
		rs = rs[cut:]
	}
	if len(rs) > 0 {
		parts = append(parts, string(rs))
	}
	return parts
}

// cutPoint returns the rune index to cut rs at: just past the last whitespace
// within the limit, or the limit itself when there is none. A whitespace cut
// never lands at or before floor. A cut that would land inside a fence marker is moved before it.
func cutPoint(rs []rune, limit, floor int) int {
	cut := limit
	for i := limit - 1; i >= floor; i-- {
		if unicode.IsSpace(rs[i]) {
			cut = i + 1
			break
		}
	}
	return avoidFenceSplit(rs, cut, floor)
}

func avoidFenceSplit(rs []rune, cut, floor int) int {
	for k := 1; k < len(fenceMarker); k++ {
		start := cut - k
		if start <= floor || start+len(fenceMarker) > len(rs) {
			continue
		}
		if string(rs[start:start+len(fenceMarker)]) == fenceMarker {
			return start
		}
	}
	return cut
}

// dress reopens a continuation piece and closes a piece left with an
// unbalanced fence.
func dress(p string, reopen bool) string {
	if reopen && !strings.HasPrefix(p, fenceMarker) {
		p = openFence + p
	}
	if strings.Count(p, fenceMarker)%2 != 0 {
		p += closeFence
	}
	return p
}

func decorate(parts []string, fenced bool) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = dress(p, fenced && i > 0)
	}
	return out
}
