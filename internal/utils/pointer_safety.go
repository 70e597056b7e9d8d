// Package utils holds small generic helpers shared across packages.
package utils

// Value dereferences v, returning the zero value for a nil pointer. The token
// endpoints omit fields they do not rotate, so decoded responses carry
// pointer fields.
func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
