package book

import "errors"

// Contract violations. Any of these means the book can no longer be trusted
// and the caller must not keep serving it.
var (
	ErrStaleOrMismatchedUpdate = errors.New("stale or mismatched update")
	ErrUnknownEventType        = errors.New("unknown event type")
	ErrUnknownAsset            = errors.New("unknown asset")
	ErrMarketMismatch          = errors.New("market mismatch")
	ErrUnknownOutcome          = errors.New("unknown outcome")
	ErrOrderNotLive            = errors.New("order is not live")
	ErrSameAsset               = errors.New("main and counter asset are the same")
	ErrNegativeNetSize         = errors.New("negative net size")
	ErrComplementMismatch      = errors.New("complementary levels disagree")
)
