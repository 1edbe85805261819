package session

import "errors"

var (
	// ErrOfferCreationFailed: creating or applying the local offer failed.
	// The session is back in StateIdle and Prepare may be retried.
	ErrOfferCreationFailed = errors.New("offer creation failed")

	// ErrSignalingExchangeFailed: the offer could not be delivered or no
	// answer came back.
	ErrSignalingExchangeFailed = errors.New("signaling exchange failed")

	// ErrRemoteDescriptionInvalid: the answer could not be decoded, parsed or
	// applied.
	ErrRemoteDescriptionInvalid = errors.New("remote description invalid")

	// ErrConnectionLost is reported to the owner when ICE disconnects or fails.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNotReady: activation was requested before the offer was applied.
	ErrNotReady = errors.New("session not ready")

	// ErrAlreadyActivated: activation was requested a second time.
	ErrAlreadyActivated = errors.New("session already activated")

	// ErrGatherTimeout: candidate gathering did not complete in time.
	ErrGatherTimeout = errors.New("candidate gathering timed out")

	ErrClosed = errors.New("session closed")
)
