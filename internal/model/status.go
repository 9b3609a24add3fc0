package model

import "fmt"

// RequestStatus is the outcome of one fetch attempt.
//
// The string values are exchanged with dashboards and API consumers and must
// stay byte-identical; never renumber or rename them.
type RequestStatus string

const (
	RequestOK                    RequestStatus = "OK"
	RequestInternalError         RequestStatus = "INTERNAL_ERROR"
	RequestFetchError            RequestStatus = "FETCH_ERROR"
	RequestParseError            RequestStatus = "PARSE_ERROR"
	RequestBadStatusCode         RequestStatus = "BAD_STATUS_CODE"
	RequestFetchTimeout          RequestStatus = "FETCH_TIMEOUT"
	RequestRefusedLargeFeed      RequestStatus = "REFUSED_LARGE_FEED"
	RequestMatchedHash           RequestStatus = "MATCHED_HASH"
	RequestInvalidSSLCertificate RequestStatus = "INVALID_SSL_CERTIFICATE"
)

var requestStatuses = []RequestStatus{
	RequestOK,
	RequestInternalError,
	RequestFetchError,
	RequestParseError,
	RequestBadStatusCode,
	RequestFetchTimeout,
	RequestRefusedLargeFeed,
	RequestMatchedHash,
	RequestInvalidSSLCertificate,
}

// RequestStatuses returns every known RequestStatus in declaration order.
func RequestStatuses() []RequestStatus {
	return append([]RequestStatus(nil), requestStatuses...)
}

func (s RequestStatus) String() string { return string(s) }

func (s RequestStatus) Valid() bool {
	for _, v := range requestStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Success reports whether the poll completed without a fault (new content or a dedup hit).
func (s RequestStatus) Success() bool {
	return s == RequestOK || s == RequestMatchedHash
}

// Transport reports whether the status is a remote transport failure.
// These are retried through scheduled backoff only.
func (s RequestStatus) Transport() bool {
	switch s {
	case RequestFetchError, RequestFetchTimeout, RequestInvalidSSLCertificate, RequestBadStatusCode, RequestRefusedLargeFeed:
		return true
	}
	return false
}

func ParseRequestStatus(raw string) (RequestStatus, error) {
	s := RequestStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown request status %q", raw)
	}
	return s, nil
}

// DeliveryLogStatus is the outcome of one (article, medium) delivery attempt.
//
// Wire-stable like RequestStatus.
type DeliveryLogStatus string

const (
	DeliveryDelivered          DeliveryLogStatus = "DELIVERED"
	DeliveryPending            DeliveryLogStatus = "PENDING_DELIVERY"
	DeliveryFailed             DeliveryLogStatus = "FAILED"
	DeliveryRejected           DeliveryLogStatus = "REJECTED"
	DeliveryFilteredOut        DeliveryLogStatus = "FILTERED_OUT"
	DeliveryMediumRateLimited  DeliveryLogStatus = "MEDIUM_RATE_LIMITED"
	DeliveryArticleRateLimited DeliveryLogStatus = "ARTICLE_RATE_LIMITED"
	DeliveryPartiallyDelivered DeliveryLogStatus = "PARTIALLY_DELIVERED"
)

var deliveryStatuses = []DeliveryLogStatus{
	DeliveryDelivered,
	DeliveryPending,
	DeliveryFailed,
	DeliveryRejected,
	DeliveryFilteredOut,
	DeliveryMediumRateLimited,
	DeliveryArticleRateLimited,
	DeliveryPartiallyDelivered,
}

// DeliveryLogStatuses returns every known DeliveryLogStatus in declaration order.
func DeliveryLogStatuses() []DeliveryLogStatus {
	return append([]DeliveryLogStatus(nil), deliveryStatuses...)
}

func (s DeliveryLogStatus) String() string { return string(s) }

func (s DeliveryLogStatus) Valid() bool {
	for _, v := range deliveryStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether s is final. PENDING_DELIVERY is the only non-terminal value.
func (s DeliveryLogStatus) Terminal() bool {
	return s.Valid() && s != DeliveryPending
}

// Settled reports whether a row with this status means the article must not be
// attempted again for the same medium. FAILED and rate-limited rows stay retryable.
func (s DeliveryLogStatus) Settled() bool {
	switch s {
	case DeliveryDelivered, DeliveryPartiallyDelivered, DeliveryFilteredOut, DeliveryRejected, DeliveryPending:
		return true
	}
	return false
}

func ParseDeliveryLogStatus(raw string) (DeliveryLogStatus, error) {
	s := DeliveryLogStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown delivery log status %q", raw)
	}
	return s, nil
}
