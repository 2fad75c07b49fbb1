package grade

// ptr returns a pointer to a copy of v.
// It is handy for values which cannot take their address directly.
func ptr[T any](v T) *T {
	return &v
}
