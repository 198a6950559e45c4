package node

// Verdict is the outcome of the last evaluation of a selection predicate on a node.
type Verdict int

const (
	NotVerified Verdict = iota
	NoLongerVerified
	NeverTested
	AlreadyVerified
	Verified
)

func (v Verdict) String() string {
	switch v {
	case NotVerified:
		return "NotVerified"
	case NoLongerVerified:
		return "NoLongerVerified"
	case NeverTested:
		return "NeverTested"
	case AlreadyVerified:
		return "AlreadyVerified"
	case Verified:
		return "Verified"
	default:
		return "Unknown"
	}
}

// Positive reports whether the node satisfied the predicate.
func (v Verdict) Positive() bool {
	return v == AlreadyVerified || v == Verified
}
