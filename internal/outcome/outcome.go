// Package outcome maps raw fetch results onto the RequestStatus vocabulary.
package outcome

import (
	"feedrelay/internal/fetcher"
	"feedrelay/internal/model"
)

// Input is everything the classifier looks at for one poll.
type Input struct {
	Fetch fetcher.Result
	// ParseErr is set when transport succeeded but the body could not be parsed.
	ParseErr error
	// InternalErr is a fault inside the pipeline (storage write, panic, ...).
	InternalErr error
}

// Classify is pure: the same Input always yields the same status.
// It never returns MATCHED_HASH; that is the dedup gate's call.
func Classify(in Input) model.RequestStatus {
	switch in.Fetch.Kind {
	case fetcher.KindTLSFailure:
		return model.RequestInvalidSSLCertificate
	case fetcher.KindTimeout:
		return model.RequestFetchTimeout
	case fetcher.KindOversized:
		return model.RequestRefusedLargeFeed
	case fetcher.KindBadStatus:
		return model.RequestBadStatusCode
	case fetcher.KindNetworkError:
		return model.RequestFetchError
	case fetcher.KindSuccess:
	default:
		return model.RequestInternalError
	}
	if in.ParseErr != nil {
		return model.RequestParseError
	}
	if in.InternalErr != nil {
		return model.RequestInternalError
	}
	return model.RequestOK
}
