package registry

import "errors"

var (
	// ErrVersionNotFound covers both a missing version and a missing model lineage.
	ErrVersionNotFound = errors.New("model version not found")

	// ErrNoProduction means no version of the model currently holds PRODUCTION.
	ErrNoProduction = errors.New("no production version for model")

	// ErrInvalidMetric means a compared version lacks the requested sort metric.
	ErrInvalidMetric = errors.New("metric not present on all compared versions")

	// ErrRegistrationTimeout means Register exceeded its time budget; the
	// caller must treat the registration as failed, not as a silent success.
	ErrRegistrationTimeout = errors.New("registration exceeded time budget")

	// ErrConcurrentPromotion means a guarded status write lost a race with
	// another writer. Callers must not retry automatically.
	ErrConcurrentPromotion = errors.New("concurrent status change conflict")

	// ErrReasonRequired means a rollback was attempted without an audit reason.
	ErrReasonRequired = errors.New("rollback reason must not be empty")

	// ErrInvalidStatus means the requested lifecycle status is unknown.
	ErrInvalidStatus = errors.New("invalid lifecycle status")
)
