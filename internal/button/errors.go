package button

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyForgotten is returned when forgetting a button that has no record.
	ErrAlreadyForgotten = errors.New("button already forgotten")
	// ErrUnsupported is returned when the host cannot perform the operation in its current state.
	ErrUnsupported = errors.New("operation not supported by host")
	// ErrUnpaired means the button rejected the stored pairing; forget and re-pair it.
	ErrUnpaired = errors.New("button is unpaired")
	// ErrScanCancelled resolves a scan stopped by the caller.
	ErrScanCancelled = errors.New("scan cancelled")
	// ErrScanInProgress is returned when starting a second concurrent scan.
	ErrScanInProgress = errors.New("scan already in progress")
	// ErrNotLoaded is returned by registry operations issued before Load completes.
	ErrNotLoaded = errors.New("registry not loaded")
	// ErrNoButtonFound means discovery timed out without a candidate.
	ErrNoButtonFound = errors.New("no button found")
	// ErrButtonIsPrivate means only buttons in private mode were seen. Hold the
	// button for 7 seconds to make it pairable.
	ErrButtonIsPrivate = errors.New("button is in private mode")
	// ErrVerificationFailed means the button failed the challenge after pairing.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrVerificationTimeout means a linked button never answered the challenge.
	ErrVerificationTimeout = errors.New("verification timed out")
	// ErrClosed is returned by operations on a closed session or manager.
	ErrClosed = errors.New("closed")
)

// ConnectionFailedError reports a link that was never established or dropped.
type ConnectionFailedError struct {
	Cause error
}

func (e *ConnectionFailedError) Error() string {
	if e.Cause == nil {
		return "connection failed"
	}
	return fmt.Sprintf("connection failed: %s", e.Cause)
}

func (e *ConnectionFailedError) Unwrap() error {
	return e.Cause
}

// ScanFailedError reports a scan that ended without a new button.
type ScanFailedError struct {
	Cause error
}

func (e *ScanFailedError) Error() string {
	return fmt.Sprintf("scan failed: %s", e.Cause)
}

func (e *ScanFailedError) Unwrap() error {
	return e.Cause
}
