package internal

// ClampStep limits a capacity change to at most step in either direction, so
// a single tick never swings a fleet by more than the configured rate limit.
// Convergence over multiple ticks closes the remainder.
func ClampStep(current, target, step int) int {
	if step <= 0 {
		return target
	}
	if target > current+step {
		return current + step
	}
	if target < current-step {
		return current - step
	}
	return target
}

// Deficit returns how many desired slots lack a bound instance.
func Deficit(desired, bound int) int {
	if bound >= desired {
		return 0
	}
	return desired - bound
}
