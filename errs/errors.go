// Package errs defines the server's error taxonomy.
//
// Every concrete error wraps one of the five sentinel categories below so
// call sites can branch with errors.Is instead of string matching, the same
// way the rest of this codebase's ancestry maps domain errors onto outward
// behavior (here: close-connection / typed wire record / evict / log-only /
// exit).
package errs

import (
	"errors"
	"fmt"
)

// Category sentinels. Never returned bare — always wrapped by a concrete
// error via fmt.Errorf("%w: ...", category).
var (
	ErrProtocol = errors.New("protocol error")
	ErrPolicy   = errors.New("policy error")
	ErrResource = errors.New("resource error")
	ErrLiveness = errors.New("liveness error")
	ErrStartup  = errors.New("startup error")
)

// Protocol errors: malformed frame, oversize, unknown required field.
// The offending connection is closed; the server keeps running.
var (
	ErrOversizeFrame  = fmt.Errorf("%w: frame exceeds max payload size", ErrProtocol)
	ErrReadTimeout    = fmt.Errorf("%w: declared length not read in time", ErrProtocol)
	ErrMalformedFrame = fmt.Errorf("%w: malformed frame payload", ErrProtocol)
	ErrMissingType    = fmt.Errorf("%w: record missing required type field", ErrProtocol)
)

// Policy errors: permission denied, name taken, presenter busy. The
// connection stays open; the sender gets a typed error record.
var (
	ErrNameTooLong     = fmt.Errorf("%w: name exceeds 50 characters", ErrPolicy)
	ErrNameEmpty       = fmt.Errorf("%w: name must not be empty", ErrPolicy)
	ErrPermissionOff   = fmt.Errorf("%w: required permission not granted", ErrPolicy)
	ErrPresenterBusy   = fmt.Errorf("%w: presenter slot already held", ErrPolicy)
	ErrHostOnly        = fmt.Errorf("%w: command restricted to host", ErrPolicy)
	ErrChatTooLong     = fmt.Errorf("%w: chat message exceeds 4 KiB", ErrPolicy)
	ErrUnknownTarget   = fmt.Errorf("%w: target participant not found", ErrPolicy)
	ErrFileTooLarge    = fmt.Errorf("%w: file exceeds max_file_size", ErrPolicy)
	ErrDuplicateFileID = fmt.Errorf("%w: fid already in use", ErrPolicy)
	ErrBadFilename     = fmt.Errorf("%w: filename failed sanitization", ErrPolicy)
	ErrUnknownFileID   = fmt.Errorf("%w: fid not found", ErrPolicy)
	ErrServerFull      = fmt.Errorf("%w: max_participants reached", ErrPolicy)
	ErrRateLimited     = fmt.Errorf("%w: rate limit exceeded", ErrPolicy)
)

// Resource errors: spool disk full, port exhausted, out of memory. The
// current operation fails with a typed error; the server keeps running.
var (
	ErrSpoolWrite    = fmt.Errorf("%w: failed writing to spool", ErrResource)
	ErrSpoolRead     = fmt.Errorf("%w: failed reading from spool", ErrResource)
	ErrPortExhausted = fmt.Errorf("%w: no ephemeral port available", ErrResource)
)

// Liveness errors: heartbeat timeout, write hard-timeout. The offender is
// evicted and user_left is broadcast.
var (
	ErrHeartbeatTimeout = fmt.Errorf("%w: no heartbeat before hard timeout", ErrLiveness)
	ErrWriteHardTimeout = fmt.Errorf("%w: outbound queue blocked past hard timeout", ErrLiveness)
)

// Fatal startup errors: cannot bind a listener. The process exits with a
// diagnostic; nothing else in this taxonomy terminates the process.
var (
	ErrBindFailed    = fmt.Errorf("%w: failed to bind listener", ErrStartup)
	ErrConfigInvalid = fmt.Errorf("%w: configuration failed validation", ErrStartup)
)
