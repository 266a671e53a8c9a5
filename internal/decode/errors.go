package decode

import (
	"errors"
	"fmt"
)

var (
	ErrNotConfigured     = errors.New("decode: session not configured")
	ErrAlreadyConfigured = errors.New("decode: session already configured")
	ErrAcquireImage      = errors.New("decode: acquire image failed")
	ErrImport            = errors.New("decode: external image import failed")
	ErrQueueFull         = errors.New("decode: pending payload limit reached")
	ErrUnknownPlatform   = errors.New("decode: unknown platform")
)

// NativeCallError reports which native step failed during configuration or
// teardown.
type NativeCallError struct {
	Step string
	Err  error
}

func (e *NativeCallError) Error() string {
	return fmt.Sprintf("decode: native call %s failed: %v", e.Step, e.Err)
}

func (e *NativeCallError) Unwrap() error {
	return e.Err
}

func nativeErr(step string, err error) error {
	if err == nil {
		return nil
	}
	return &NativeCallError{Step: step, Err: err}
}
