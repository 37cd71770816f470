package stream

// Diff returns the signed distance from b to a on the 16-bit sequence circle.
// Positive means a is ahead of b.
func Diff(a, b uint16) int16 {
	return int16(a - b)
}

// Less reports whether a comes before b.
func Less(a, b uint16) bool {
	return Diff(a, b) < 0
}

// Max returns whichever of a and b is further ahead.
func Max(a, b uint16) uint16 {
	if Less(a, b) {
		return b
	}
	return a
}
