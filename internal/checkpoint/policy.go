package checkpoint

// Policy decides which checkpoints become anchors.
type Policy struct {
	// Interval promotes every Interval-th checkpoint after the last anchor.
	// Zero disables the interval rule.
	Interval int
	// SizeThreshold promotes the first checkpoint whose accumulated delta
	// size since the last anchor exceeds it. Zero disables the size rule.
	SizeThreshold int64
}

// DefaultPolicy returns the anchor policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{Interval: 10, SizeThreshold: 64 << 20}
}

// IsAnchor reports whether the checkpoint at seq, introducing deltaSize new
// bytes, should be an anchor given the session's existing checkpoints.
func (p Policy) IsAnchor(history []Checkpoint, seq int, deltaSize int64) bool {
	if seq <= 1 || len(history) == 0 {
		return true
	}
	last := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsAnchor || i == 0 {
			last = i
			break
		}
	}
	if p.Interval > 0 && seq-history[last].Sequence >= p.Interval {
		return true
	}
	if p.SizeThreshold > 0 {
		total := deltaSize
		for i := last + 1; i < len(history); i++ {
			total += history[i].DeltaSize
		}
		if total > p.SizeThreshold {
			return true
		}
	}
	return false
}
