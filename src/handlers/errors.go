package handlers

// ValidationError marks caller input that fails constraints. It is always
// surfaced as a 4xx before any correlation id is minted or broker traffic
// occurs.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
