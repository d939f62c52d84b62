package exchange

import (
	"net/http"
	"strconv"
)

// Family is the semantic category of a status code.
type Family int

// Status families.
const (
	FamilyUnknown Family = iota
	FamilyInformational
	FamilySuccessful
	FamilyRedirection
	FamilyClientError
	FamilyServerError
)

func (f Family) String() string {
	switch f {
	case FamilyInformational:
		return "INFORMATIONAL"
	case FamilySuccessful:
		return "SUCCESSFUL"
	case FamilyRedirection:
		return "REDIRECTION"
	case FamilyClientError:
		return "CLIENT_ERROR"
	case FamilyServerError:
		return "SERVER_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Status is a numeric status code plus its reason phrase.
type Status struct {
	Code   int
	Reason string
}

// NewStatus returns the status for code with the standard reason phrase.
func NewStatus(code int) Status {
	return Status{Code: code, Reason: http.StatusText(code)}
}

// Commonly used statuses.
var (
	StatusOK                  = NewStatus(http.StatusOK)
	StatusNoContent           = NewStatus(http.StatusNoContent)
	StatusBadRequest          = NewStatus(http.StatusBadRequest)
	StatusUnauthorized        = NewStatus(http.StatusUnauthorized)
	StatusForbidden           = NewStatus(http.StatusForbidden)
	StatusNotFound            = NewStatus(http.StatusNotFound)
	StatusTooManyRequests     = NewStatus(http.StatusTooManyRequests)
	StatusInternalServerError = NewStatus(http.StatusInternalServerError)
	StatusBadGateway          = NewStatus(http.StatusBadGateway)
	StatusGatewayTimeout      = NewStatus(http.StatusGatewayTimeout)
)

// Family returns the category of s.
func (s Status) Family() Family {
	switch {
	case s.Code >= 100 && s.Code < 200:
		return FamilyInformational
	case s.Code >= 200 && s.Code < 300:
		return FamilySuccessful
	case s.Code >= 300 && s.Code < 400:
		return FamilyRedirection
	case s.Code >= 400 && s.Code < 500:
		return FamilyClientError
	case s.Code >= 500 && s.Code < 600:
		return FamilyServerError
	default:
		return FamilyUnknown
	}
}

// IsSuccessful reports whether s is 2xx.
func (s Status) IsSuccessful() bool { return s.Family() == FamilySuccessful }

// IsError reports whether s is 4xx or 5xx.
func (s Status) IsError() bool {
	f := s.Family()
	return f == FamilyClientError || f == FamilyServerError
}

func (s Status) String() string {
	return strconv.Itoa(s.Code) + " " + s.Reason
}
