package app

import "errors"

var (
	// ErrDocumentNotFound indicates the document does not exist for the owner.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrPaperNotFound indicates the paper does not exist for the owner.
	ErrPaperNotFound = errors.New("paper not found")
	// ErrRetryNotAllowed indicates a retry was requested on a non-failed document.
	ErrRetryNotAllowed = errors.New("retry only allowed for failed documents")
	// ErrSourceUnavailable indicates the original upload is no longer retrievable.
	ErrSourceUnavailable = errors.New("source file unavailable, re-upload required")
	// ErrQuotaExceeded indicates the daily paper generation ceiling was reached.
	ErrQuotaExceeded = errors.New("daily paper generation quota exceeded")
	// ErrPreferenceNotFound indicates the preference does not exist for the owner.
	ErrPreferenceNotFound = errors.New("preference not found")
)
