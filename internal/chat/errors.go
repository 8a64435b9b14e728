package chat

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrNotConnected = errors.New("not connected")

	// ErrConnection means the socket could not be reached within the
	// configured number of attempts.
	ErrConnection = errors.New("connection error")

	// ErrAuth is fatal for the session; the caller must log in again.
	ErrAuth = errors.New("authentication rejected")

	ErrRoomJoin   = errors.New("room join failed")
	ErrSend       = errors.New("message send failed")
	ErrEdit       = errors.New("message edit failed")
	ErrDelete     = errors.New("message delete failed")
	ErrPollCreate = errors.New("poll creation failed")

	// ErrMergeConflict marks a duplicate or out-of-order event. It is
	// resolved by dedup and only ever logged.
	ErrMergeConflict = errors.New("merge conflict")

	ErrVoteSubmission = errors.New("vote submission failed")
	ErrBlobNotFound   = errors.New("blob not found")
	ErrBlobStore      = errors.New("blob store error")
	ErrCompression    = errors.New("compression failed")
)
