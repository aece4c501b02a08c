package app

import "fmt"

// DomainError is an API-visible failure: Status maps to the HTTP response
// code, Code is the stable machine-readable discriminator clients switch
// on (EDITOR_BUSY, INVALID_OP, ...), Message is for humans.
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
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
