package negotiation

import "errors"

var (
	// ErrMalformedInbound rejects inbound payloads missing required fields.
	ErrMalformedInbound = errors.New("negotiation: malformed inbound message")

	// ErrConversationNotFound is returned for unknown conversation ids.
	ErrConversationNotFound = errors.New("negotiation: conversation not found")

	// ErrConversationExists is returned when outreach targets a pair that
	// already has a conversation.
	ErrConversationExists = errors.New("negotiation: conversation already exists")

	// ErrConversationBusy is returned when a commit keeps losing the
	// optimistic version check or cannot acquire the conversation lock.
	ErrConversationBusy = errors.New("negotiation: conversation busy, retry later")

	// ErrUnknownEvent rejects unsupported downstream events.
	ErrUnknownEvent = errors.New("negotiation: unknown downstream event")

	// ErrDeliveryFailed is returned to operators when an outbound message
	// could not be handed to the mail transport.
	ErrDeliveryFailed = errors.New("negotiation: outbound delivery failed")

	// ErrInvalidRequest covers missing or invalid operator input.
	ErrInvalidRequest = errors.New("negotiation: invalid request")

	// errStale aborts a commit whose inputs were read at an older version.
	errStale = errors.New("negotiation: stale conversation snapshot")

	// errVersionConflict signals a lost optimistic version check.
	errVersionConflict = errors.New("negotiation: version conflict")

	// errLockUnavailable wraps a failed lock acquisition.
	errLockUnavailable = errors.New("negotiation: lock unavailable")
)
