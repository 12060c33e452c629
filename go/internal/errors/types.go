package errors

import "fmt"

// ConfigurationError indicates invalid startup configuration, such as a
// partition count below one or a malformed retry policy. It is fatal at
// startup and is never produced while the pipeline is running.
type ConfigurationError struct {
	Component string
	Reason    string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}
