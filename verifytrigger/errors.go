package verifytrigger

// AuthError rejects a trigger request. Unauthenticated and unauthorised
// callers both get one; the HTTP adapter maps it to 403.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// NotFoundError reports that the CI system could not be reached or its job
// URL is malformed. The HTTP adapter maps it to 404.
type NotFoundError struct {
	Message string
	Err     error
}

func (e *NotFoundError) Error() string {
	return e.Message
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}
