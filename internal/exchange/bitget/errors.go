package bitget

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"bitget-spot/internal/core"
)

const (
	apiCodeInvalidTimestamp = "40005"
	apiCodeTimestampExpired = "40008"
	apiCodeOrderNotFound    = "43001"
	apiCodeInsufficient     = "43012"
)

type APIError struct {
	HTTPStatus int
	Code       string
	Msg        string
}

func (e APIError) Error() string {
	return fmt.Sprintf("bitget api error %s (http %d): %s", e.Code, e.HTTPStatus, e.Msg)
}

var apiErrorMessageKinds = []struct {
	fragment string
	kind     error
}{
	{"order not found", core.ErrOrderNotFound},
	{"order does not exist", core.ErrOrderNotFound},
	{"insufficient", core.ErrInsufficientBalance},
	{"duplicate", core.ErrDuplicateOrder},
	{"clientoid", core.ErrDuplicateOrder},
}

func wrapAPIError(status int, code, msg string) error {
	return classifyAPIError(APIError{HTTPStatus: status, Code: code, Msg: msg})
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	errChain := make([]error, 0, 1+len(kinds))
	errChain = append(errChain, apiErr)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	msg := normalizeAPIErrorMsg(apiErr.Msg)

	switch apiErr.Code {
	case apiCodeInvalidTimestamp, apiCodeTimestampExpired:
		kinds = appendErrorKind(kinds, core.ErrClockSkew)
	case apiCodeOrderNotFound:
		kinds = appendErrorKind(kinds, core.ErrOrderNotFound)
	case apiCodeInsufficient:
		kinds = appendErrorKind(kinds, core.ErrInsufficientBalance)
	}
	if strings.Contains(msg, "timestamp") && (strings.Contains(msg, "invalid") || strings.Contains(msg, "expired")) {
		kinds = appendErrorKind(kinds, core.ErrClockSkew)
	}
	for _, k := range apiErrorMessageKinds {
		if strings.Contains(msg, k.fragment) {
			kinds = appendErrorKind(kinds, k.kind)
		}
	}
	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

// isRefusal reports whether err is the exchange declining the request. Server
// errors, throttling and clock skew say nothing about the order itself.
func isRefusal(err error) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	if apiErr.HTTPStatus == http.StatusTooManyRequests || apiErr.HTTPStatus >= http.StatusInternalServerError {
		return false
	}
	return !errors.Is(err, core.ErrClockSkew)
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

func IsAPIErrorCode(err error, codes ...string) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}
