package scrub

// DeltaAccumulator converts cumulative text snapshots into deltas, so
// providers that resend the full text so far do not cause duplicate
// rendering or speech. When the new snapshot diverges from the previous
// one, everything after the longest common prefix is emitted.
type DeltaAccumulator struct {
	last string
}

func (a *DeltaAccumulator) Consume(text string) string {
	if text == "" {
		return ""
	}
	var delta string
	if len(text) >= len(a.last) && text[:len(a.last)] == a.last {
		delta = text[len(a.last):]
	} else {
		n := 0
		for n < len(text) && n < len(a.last) && text[n] == a.last[n] {
			n++
		}
		delta = text[n:]
	}
	a.last = text
	return delta
}

func (a *DeltaAccumulator) Reset() {
	a.last = ""
}
