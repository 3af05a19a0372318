package ldap

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory groups directory failures by how callers react to them.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError provides enhanced error information for LDAP operations.
type LDAPError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code, 0 when none was received
	Message   string        // Human-readable message
	DN        string        // DN involved in the operation (if applicable)
	Retryable bool          // Whether the error is retryable
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	parts := []string{fmt.Sprintf("LDAP %s failed", e.Operation)}
	if e.LDAPCode > 0 {
		parts[0] = fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError classifies err as the failure of operation.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		Category:  categoryOf(err),
		Retryable: IsRetryableError(err),
		Message:   err.Error(),
		Cause:     err,
	}

	if code, ok := ResultCodeOf(err); ok {
		ldapErr.LDAPCode = code
		if text, known := ldap.LDAPResultCodeMap[code]; known {
			ldapErr.Message = text
		}
	}

	return ldapErr
}

// categoryOf places err in one of the categories this daemon distinguishes.
func categoryOf(err error) ErrorCategory {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}

	code, ok := ResultCodeOf(err)
	switch {
	case ok && code == ldap.LDAPResultNoSuchObject:
		return ErrorCategoryNotFound
	case ok && isBindRejection(err):
		return ErrorCategoryAuthentication
	case isNetworkError(err):
		return ErrorCategoryConnection
	case ok && isLDAPCodeRetryable(code):
		return ErrorCategoryServer
	default:
		return ErrorCategoryUnknown
	}
}

// isLDAPCodeRetryable reports whether a result code describes a transient server condition.
func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultOperationsError,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork:
		return true
	default:
		return false
	}
}

// isNetworkError reports whether err comes from the transport rather than the directory.
func isNetworkError(err error) bool {
	if code, ok := ResultCodeOf(err); ok && code == ldap.ErrorNetwork {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "broken pipe")
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	if code, ok := ResultCodeOf(err); ok {
		return isLDAPCodeRetryable(code)
	}

	return isNetworkError(err)
}

// IsNotFoundError checks if an error indicates a "not found" condition.
func IsNotFoundError(err error) bool {
	return err != nil && categoryOf(err) == ErrorCategoryNotFound
}

// ResultCodeOf extracts the LDAP result code carried anywhere in err's chain.
func ResultCodeOf(err error) (uint16, bool) {
	if err == nil {
		return 0, false
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) && ldapErr.LDAPCode > 0 {
		return ldapErr.LDAPCode, true
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return resultErr.ResultCode, true
	}

	return 0, false
}

// IsInappropriateAuthentication reports whether the server rejected a bind
// with inappropriateAuthentication (48), typically an anonymous bind on a
// directory that requires credentials.
func IsInappropriateAuthentication(err error) bool {
	code, ok := ResultCodeOf(err)
	return ok && code == ldap.LDAPResultInappropriateAuthentication
}

// isBindRejection reports whether err is a definitive answer from the server
// to a bind request. Retrying such errors cannot change the outcome.
func isBindRejection(err error) bool {
	code, ok := ResultCodeOf(err)
	if !ok {
		return false
	}

	switch code {
	case ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultConfidentialityRequired,
		ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform,
		ldap.LDAPResultAuthMethodNotSupported,
		ldap.LDAPResultInvalidDNSyntax:
		return true
	default:
		return false
	}
}
