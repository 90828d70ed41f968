package query

const (
	ReasonMalformedBody     = "malformed request body"
	ReasonMissingTimeWindow = "missing time window"
)

// ValidationError is returned for requests the caller can correct.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationErr(reason string) error {
	return &ValidationError{Reason: reason}
}
