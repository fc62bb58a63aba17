package service

// ValidationError reports caller input the service cannot act on.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Detail
}

func invalid(detail string) error {
	return &ValidationError{Detail: detail}
}
