// Package rfsauth is the authentication, session and authorization core of the RFS
// file server.
//
// A request-handling layer calls the [Engine] to check credentials, open and advance
// sessions, verify second factors, and answer permission queries. The engine owns no
// network surface and keeps no shared in-process state: every check-then-write goes
// to the configured backend as one atomic step, so any number of engine instances
// may share one Redis or PostgreSQL deployment.
//
// Engine methods are safe for concurrent use once [Builder.Build] returns.
//
// # Errors
//
// Every error returned by the engine wraps one of the package sentinels
// ([ErrNotFound], [ErrInvalidInput], [ErrAlreadyUsed], [ErrExpired], [ErrDropped],
// [ErrUnverified], [ErrConflict], [ErrUnavailable], [ErrAuthenticationFailed],
// [ErrPermissionDenied]); use errors.Is or [KindOf] to branch. Only
// [ErrUnavailable] should be retried.
//
// Unauthenticated-path helpers such as [Engine.Authenticate] collapse every cause
// into [ErrAuthenticationFailed] and spend the same hashing work whether or not the
// identity exists.
package rfsauth
