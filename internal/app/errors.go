package app

// DomainError is a user-facing failure the HTTP layer maps directly to a
// response: Status becomes the HTTP status, Code and Message the body.
// Workflow business failures never use it; those travel as Result values.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

var _ error = (*DomainError)(nil)

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}
