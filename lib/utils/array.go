package utils

// Remove returns a new slice without any occurrence of item.
func Remove[T comparable](arr []T, item T) []T {
	result := []T{}

	for _, i := range arr {
		if i != item {
			result = append(result, i)
		}
	}

	return result
}
