package errors

// Convenience functions for common error patterns

func NotFound(what string) *JobServError {
	return New(CategoryNotFound, SeverityError, "object does not exist").
		WithContext("object", what)
}

func AuthRequired(reason string) *JobServError {
	return New(CategoryAuth, SeverityError, reason)
}

func Conflict(message string) *JobServError {
	return New(CategoryConflict, SeverityError, message)
}

func ValidationFailed(msgs ...string) *JobServError {
	return New(CategoryValidation, SeverityError, "validation failed").
		WithMessages(msgs...)
}

func StorageUnavailable(cause error) *JobServError {
	return WrapRetryable(cause, CategoryStorage, SeverityError, "storage unavailable")
}

func Unexpected(cause error) *JobServError {
	return Wrap(cause, CategoryInternal, SeverityFatal, "unexpected error")
}
