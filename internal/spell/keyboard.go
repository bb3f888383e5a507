package spell

// Key grids share geometry: each row is offset half a key to the right of the
// row above, so key (r, c) touches (r-1, c), (r-1, c+1), (r+1, c-1), (r+1, c).
var (
	qwertyRows = []string{"qwertyuiop", "asdfghjkl", "zxcvbnm"}
	dubeolRows = []string{"ㅂㅈㄷㄱㅅㅛㅕㅑㅐㅔ", "ㅁㄴㅇㄹㅎㅗㅓㅏㅣ", "ㅋㅌㅊㅍㅠㅜㅡ"}

	qwertyAdjacent = buildAdjacency(qwertyRows)
	dubeolAdjacent = buildAdjacency(dubeolRows)
)

func buildAdjacency(rows []string) map[rune][]rune {
	grid := make([][]rune, len(rows))
	for i, row := range rows {
		grid[i] = []rune(row)
	}
	at := func(r, c int) (rune, bool) {
		if r < 0 || r >= len(grid) || c < 0 || c >= len(grid[r]) {
			return 0, false
		}
		return grid[r][c], true
	}

	adj := make(map[rune][]rune)
	for r, row := range grid {
		for c, key := range row {
			for _, p := range [][2]int{{r, c - 1}, {r, c + 1}, {r - 1, c}, {r - 1, c + 1}, {r + 1, c - 1}, {r + 1, c}} {
				if n, ok := at(p[0], p[1]); ok {
					adj[key] = append(adj[key], n)
				}
			}
		}
	}
	return adj
}

// ── Hangul composition ──────────────────────────────────────

const (
	syllableBase  = 0xAC00
	syllableLast  = 0xD7A3
	vowelCount    = 21
	trailingCount = 28
)

// Compatibility jamo for each composition slot. Index 0 of trailing is "no final".
var (
	leadingJamo  = []rune("ㄱㄲㄴㄷㄸㄹㅁㅂㅃㅅㅆㅇㅈㅉㅊㅋㅌㅍㅎ")
	vowelJamo    = []rune("ㅏㅐㅑㅒㅓㅔㅕㅖㅗㅘㅙㅚㅛㅜㅝㅞㅟㅠㅡㅢㅣ")
	trailingJamo = append([]rune{0}, []rune("ㄱㄲㄳㄴㄵㄶㄷㄹㄺㄻㄼㄽㄾㄿㅀㅁㅂㅄㅅㅆㅇㅈㅊㅋㅌㅍㅎ")...)

	leadingIndex  = indexOf(leadingJamo)
	vowelIndex    = indexOf(vowelJamo)
	trailingIndex = indexOf(trailingJamo)
)

func indexOf(rs []rune) map[rune]int {
	m := make(map[rune]int, len(rs))
	for i, r := range rs {
		if r != 0 {
			m[r] = i
		}
	}
	return m
}

func decompose(r rune) (l, v, t int, ok bool) {
	if r < syllableBase || r > syllableLast {
		return 0, 0, 0, false
	}
	off := int(r - syllableBase)
	return off / (vowelCount * trailingCount), (off / trailingCount) % vowelCount, off % trailingCount, true
}

func compose(l, v, t int) rune {
	return rune(syllableBase + (l*vowelCount+v)*trailingCount + t)
}

// ── Substitutions ───────────────────────────────────────────

// substitutions returns every rune that differs from r by one adjacent key
// press on the given layout, in a stable order.
func substitutions(r rune, layout string) []rune {
	if layout == "ko" {
		if out := hangulSubstitutions(r); out != nil {
			return out
		}
	}
	if r >= 'A' && r <= 'Z' {
		r += 'a' - 'A'
	}
	return qwertyAdjacent[r]
}

// hangulSubstitutions swaps one jamo of a syllable for a neighbouring key of
// the same slot, recomposing the syllable.
func hangulSubstitutions(r rune) []rune {
	l, v, t, ok := decompose(r)
	if !ok {
		return nil
	}
	var out []rune
	for _, n := range dubeolAdjacent[leadingJamo[l]] {
		if nl, ok := leadingIndex[n]; ok {
			out = append(out, compose(nl, v, t))
		}
	}
	for _, n := range dubeolAdjacent[vowelJamo[v]] {
		if nv, ok := vowelIndex[n]; ok {
			out = append(out, compose(l, nv, t))
		}
	}
	if t > 0 {
		for _, n := range dubeolAdjacent[trailingJamo[t]] {
			if nt, ok := trailingIndex[n]; ok {
				out = append(out, compose(l, v, nt))
			}
		}
	}
	if out == nil {
		out = []rune{}
	}
	return out
}
