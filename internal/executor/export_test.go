package executor

// Followers returns how many callers joined an in-flight execution.
func (e *Executor) Followers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c.joined
	}
	return n
}
