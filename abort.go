package rundaq

// closeIfOpen closes an abort channel unless it is already closed. Only the
// goroutine that owns the channel may call it.
func closeIfOpen(c chan struct{}) {
	if c == nil {
		return
	}
	select {
	case <-c:
	default:
		close(c)
	}
}

// isClosed reports whether c has been closed.
func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
