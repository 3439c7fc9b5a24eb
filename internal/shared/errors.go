// Package shared holds the sentinel error taxonomy and small utility
// helpers used across every advBBS subsystem. Callers match errors with
// errors.Is/errors.As rather than string comparison.
package shared

import "errors"

var (
	// Input errors: recoverable, rendered back to the sending node as a
	// short human-facing string by the command dispatcher.
	ErrUnknownCommand       = errors.New("unknown command")
	ErrBadSyntax            = errors.New("bad syntax")
	ErrForbiddenByAccess    = errors.New("forbidden for this access level")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrUserNotBoundToNode   = errors.New("user not bound to this node")
	ErrRemoteBodyTooLong    = errors.New("remote body too long")
	ErrAccountLocked        = errors.New("account locked")
	ErrLastBindingRemaining = errors.New("cannot remove the last node binding")
	ErrBoundToCurrentNode   = errors.New("cannot remove the binding for the current node")

	// Protocol errors: peer-facing, mapped onto MAILNAK/BOARDNAK reason
	// codes at the FSM boundary. Relays forward these upstream unchanged.
	ErrLooped            = errors.New("looped")
	ErrMaxHopsExceeded    = errors.New("max hops exceeded")
	ErrNoRouteToBBS       = errors.New("no route to bbs")
	ErrRecipientUnknown   = errors.New("recipient unknown")
	ErrSyncDisabledBoard  = errors.New("sync disabled for board")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrUnknownPeer        = errors.New("unknown peer")
	ErrIncompatibleProto  = errors.New("incompatible protocol prefix")

	// Transport errors: local to this node.
	ErrChunkSendFailed = errors.New("chunk send failed")
	ErrAckTimeout      = errors.New("ack timeout")
	ErrRateLimited     = errors.New("rate limited")
	ErrNoSuchPeer      = errors.New("no such peer")
	ErrDeliveryFailed  = errors.New("delivery failed")
	ErrDeliveryExpired = errors.New("delivery expired")

	// Store errors.
	ErrDuplicateUUID    = errors.New("duplicate uuid")
	ErrCorruptStore     = errors.New("corrupt store: master key salt missing while users exist")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrTooManySynced    = errors.New("too many synced boards")
	ErrBoardNotFound    = errors.New("board not found")

	// Crypto errors.
	ErrWrongPassphrase = errors.New("wrong passphrase")
	ErrAuthTagInvalid  = errors.New("auth tag invalid")
)
