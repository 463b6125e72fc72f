// Package errors provides examples of structured error handling in snowpool.
package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/snowpool/pkg/errors"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypePoolTimeout, "no session available").
		WithDetail("pool", "acct/user").
		WithDetail("max_size", 10)

	fmt.Println(err.Error())

	// Output:
	// pool_timeout: no session available
}

// ExampleWrap shows how a factory failure is surfaced to a borrower.
func ExampleWrap() {
	openErr := io.ErrUnexpectedEOF

	err := errors.Wrap(openErr, errors.ErrorTypeSessionCreation, "failed to open session").
		WithDetail("account", "xy12345")

	if errors.IsSessionCreation(err) {
		fmt.Println("This is a session creation error")
	}
	fmt.Println(err)

	// Output:
	// This is a session creation error
	// session_creation: failed to open session: unexpected EOF
}

// ExampleIsRetryable shows which pool errors a caller may retry.
func ExampleIsRetryable() {
	timeout := errors.New(errors.ErrorTypePoolTimeout, "no session available")
	removed := errors.New(errors.ErrorTypeInvalidState, "pool was removed")
	badConfig := errors.New(errors.ErrorTypeConfig, "account is required")

	fmt.Println(errors.IsRetryable(timeout))
	fmt.Println(errors.IsRetryable(removed))
	fmt.Println(errors.IsRetryable(badConfig))

	// Output:
	// true
	// true
	// false
}

// ExampleIsType demonstrates that IsType inspects the outermost structured error.
func ExampleIsType() {
	closeErr := errors.New(errors.ErrorTypeConnection, "socket reset")
	wrapped := errors.Wrap(closeErr, errors.ErrorTypeSessionClose, "failed to close session")

	fmt.Printf("Is session close error: %v\n", errors.IsSessionClose(wrapped))
	fmt.Printf("Is connection error: %v\n", errors.IsType(wrapped, errors.ErrorTypeConnection))

	// Output:
	// Is session close error: true
	// Is connection error: false
}
