package prompt

import (
	"fmt"
	"strings"
)

const diffContext = 3

type lineOp struct {
	kind byte // ' ', '-', '+'
	text string
}

// UnifiedDiff returns a line diff of a and b in unified format with three
// lines of context, or "" when they are equal.
func UnifiedDiff(a, b string) string {
	if a == b {
		return ""
	}
	ops := diffLines(strings.Split(a, "\n"), strings.Split(b, "\n"))

	var sb strings.Builder
	sb.WriteString("--- a\n+++ b\n")
	for start := 0; start < len(ops); {
		first := -1
		for i := start; i < len(ops); i++ {
			if ops[i].kind != ' ' {
				first = i
				break
			}
		}
		if first < 0 {
			break
		}
		lo := max(first-diffContext, start)
		// extend the hunk while changes are within two contexts of each other
		hi, gap := first, 0
		for i := first; i < len(ops) && gap <= 2*diffContext; i++ {
			if ops[i].kind == ' ' {
				gap++
				continue
			}
			hi, gap = i, 0
		}
		hi = min(hi+diffContext, len(ops)-1)
		writeHunk(&sb, ops, lo, hi)
		start = hi + 1
	}
	return sb.String()
}

func writeHunk(sb *strings.Builder, ops []lineOp, lo, hi int) {
	aStart, bStart := 1, 1
	for _, op := range ops[:lo] {
		if op.kind != '+' {
			aStart++
		}
		if op.kind != '-' {
			bStart++
		}
	}
	aLen, bLen := 0, 0
	for _, op := range ops[lo : hi+1] {
		if op.kind != '+' {
			aLen++
		}
		if op.kind != '-' {
			bLen++
		}
	}
	fmt.Fprintf(sb, "@@ -%d,%d +%d,%d @@\n", aStart, aLen, bStart, bLen)
	for _, op := range ops[lo : hi+1] {
		sb.WriteByte(op.kind)
		sb.WriteString(op.text)
		sb.WriteByte('\n')
	}
}

// diffLines aligns a and b on their longest common subsequence of lines.
// Shared prefix and suffix are stripped first; state dumps mostly differ in
// a few lines.
func diffLines(a, b []string) []lineOp {
	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && a[len(a)-1-suf] == b[len(b)-1-suf] {
		suf++
	}
	am, bm := a[pre:len(a)-suf], b[pre:len(b)-suf]

	// lcs[i][j] is the LCS length of am[i:] and bm[j:].
	lcs := make([][]int, len(am)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(bm)+1)
	}
	for i := len(am) - 1; i >= 0; i-- {
		for j := len(bm) - 1; j >= 0; j-- {
			if am[i] == bm[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}

	ops := make([]lineOp, 0, len(a)+len(b))
	for _, l := range a[:pre] {
		ops = append(ops, lineOp{' ', l})
	}
	i, j := 0, 0
	for i < len(am) && j < len(bm) {
		switch {
		case am[i] == bm[j]:
			ops = append(ops, lineOp{' ', am[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, lineOp{'-', am[i]})
			i++
		default:
			ops = append(ops, lineOp{'+', bm[j]})
			j++
		}
	}
	for ; i < len(am); i++ {
		ops = append(ops, lineOp{'-', am[i]})
	}
	for ; j < len(bm); j++ {
		ops = append(ops, lineOp{'+', bm[j]})
	}
	for _, l := range a[len(a)-suf:] {
		ops = append(ops, lineOp{' ', l})
	}
	return ops
}
