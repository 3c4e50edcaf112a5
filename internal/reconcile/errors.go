package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrInfrastructure classifies failures of the hosting platform or the
	// pass deadline. The pass failed closed: existing labels are intact.
	ErrInfrastructure = errors.New("infrastructure failure")

	// ErrConfiguration classifies settings that cannot be resolved, such as a
	// monitored branch that does not exist. Fatal for the pass, nothing is
	// mutated.
	ErrConfiguration = errors.New("configuration error")
)

// InfraError is returned when a platform call fails after retries, or the
// pass is cancelled before it could apply.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrInfrastructure, e.Op, e.Err)
}

func (e *InfraError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInfrastructure) hold.
func (e *InfraError) Is(target error) bool { return target == ErrInfrastructure }

// ConfigError names the offending setting.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrConfiguration, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConfiguration) hold.
func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

func infraErr(op string, err error) error {
	var ie *InfraError
	if errors.As(err, &ie) {
		return err
	}
	return &InfraError{Op: op, Err: err}
}

func configErr(field string, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}
