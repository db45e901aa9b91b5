// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/statetree/services/statetree/address"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrUnknownAddress is returned when a packet addresses no known slot.
	ErrUnknownAddress = errors.New("unknown address")

	// ErrMalformedPayload is returned when a payload does not decode into
	// the state type found at its address.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnexpectedMessage is returned when a message kind is applied to a
	// state that does not understand it.
	ErrUnexpectedMessage = errors.New("unexpected message for state")

	// ErrSinkClosed is returned when emitting into a reporter whose sink has
	// been closed.
	ErrSinkClosed = errors.New("reporter sink closed")

	// ErrDeferUnsupported is returned when a deferred emission is requested
	// on a reporter that cannot resolve it.
	ErrDeferUnsupported = errors.New("reporter does not support deferred emission")

	// ErrNoSubject is returned when reading or writing through an unbound proxy.
	ErrNoSubject = errors.New("proxy has no subject")

	// ErrAlreadyBound is the cause wrapped by BindError.
	ErrAlreadyBound = errors.New("proxy already bound")

	// ErrNoBindings is returned when a node was created without a binding
	// registry.
	ErrNoBindings = errors.New("node has no binding registry")

	// ErrNotState is returned when a value implements neither Composite nor
	// Container.
	ErrNotState = errors.New("value is not a state")

	// ErrHandlerPanic wraps a panic recovered from a message handler.
	ErrHandlerPanic = errors.New("message handler panicked")
)

// AddressError reports a packet whose delta matched no static range or
// dynamic region. It is never fatal: the packet is dropped.
type AddressError struct {
	// Packet is the offending packet.
	Packet address.Packet

	// Delta is the remaining delta that could not be matched.
	Delta uint32

	// Depth is the number of tree levels descended before failing.
	Depth int

	// Reason is a short description for logs.
	Reason string
}

func (e *AddressError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "no range owns delta"
	}
	return fmt.Sprintf("unknown address %s: delta %d at depth %d: %s",
		e.Packet.Key, e.Delta, e.Depth, reason)
}

func (e *AddressError) Unwrap() error {
	return ErrUnknownAddress
}

// BindError is returned when a proxy that already has a subject is bound
// again. It names the proxy's address.
type BindError struct {
	Key address.Key
}

func (e *BindError) Error() string {
	return fmt.Sprintf("proxy at %s already bound", e.Key)
}

func (e *BindError) Unwrap() error {
	return ErrAlreadyBound
}
