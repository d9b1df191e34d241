package transcript

import (
	"strings"
	"unicode"
)

// WordErrors is the alignment of a hypothesis against a reference
// transcript.
type WordErrors struct {
	Rate        float64 // (Substituted+Inserted+Deleted) / Reference
	Substituted int
	Inserted    int
	Deleted     int
	Reference   int
}

// edits is one cell of the alignment table.
type edits struct {
	sub, ins, del int
}

func (e edits) cost() int { return e.sub + e.ins + e.del }

// WordErrorRate aligns hypothesis against reference word by word. Both
// texts are lowercased and stripped of punctuation first. An empty
// reference yields the zero value.
func WordErrorRate(reference, hypothesis string) WordErrors {
	ref := words(reference)
	hyp := words(hypothesis)
	if len(ref) == 0 {
		return WordErrors{}
	}

	// Two rows of the edit table; each cell carries its edit counts so no
	// backtrace is needed.
	prev := make([]edits, len(hyp)+1)
	cur := make([]edits, len(hyp)+1)
	for j := range prev {
		prev[j] = edits{ins: j}
	}
	for i := 1; i <= len(ref); i++ {
		cur[0] = edits{del: i}
		for j := 1; j <= len(hyp); j++ {
			if ref[i-1] == hyp[j-1] {
				cur[j] = prev[j-1]
				continue
			}
			best := prev[j-1]
			best.sub++
			if d := prev[j]; d.cost()+1 < best.cost() {
				best = d
				best.del++
			}
			if n := cur[j-1]; n.cost()+1 < best.cost() {
				best = n
				best.ins++
			}
			cur[j] = best
		}
		prev, cur = cur, prev
	}

	e := prev[len(hyp)]
	return WordErrors{
		Rate:        float64(e.cost()) / float64(len(ref)),
		Substituted: e.sub,
		Inserted:    e.ins,
		Deleted:     e.del,
		Reference:   len(ref),
	}
}

func words(s string) []string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Fields(s)
}
