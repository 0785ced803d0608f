package desk

import (
	"errors"
	"fmt"
)

// maxErrorBody bounds the upstream body excerpt kept in a ServiceError
const maxErrorBody = 500

// ServiceError is returned for any failed call to the device gateway
type ServiceError struct {
	Message    string // Human readable reason
	StatusCode int    // HTTP status, 0 when no response was received
	Err        error  // Underlying transport error, if any
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("desk service error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return "desk service error: " + e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsGatewayFailure reports whether err means the gateway itself is unhealthy:
// no response at all or a 5xx. Per desk 4xx answers do not count.
func IsGatewayFailure(err error) bool {
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		return err != nil
	}
	return svcErr.StatusCode == 0 || svcErr.StatusCode >= 500
}

func excerpt(body string) string {
	if body == "" {
		return "No error message"
	}
	if len(body) > maxErrorBody {
		return body[:maxErrorBody]
	}
	return body
}
