//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package probeerr defines the typed failures reported by the probe stack.
//
// Every layer returns *Error values (possibly annotated with juju/errors on
// the way up); callers classify them with KindOf / Is.
package probeerr

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindProtocol
	KindProbe
	KindTargetFault
	KindTimeout
	KindInvalidAddress
	KindUnsupportedCapability
	KindFlashOperationFailed
	KindVerificationFailed
	KindProbeNotFound
	KindProbeBusy
	KindAttachFailed
	KindCoreNotHalted
	KindInvalidArgument
)

var kindNames = map[Kind]string{
	KindUnknown:               "Error",
	KindProtocol:              "ProtocolError",
	KindProbe:                 "ProbeError",
	KindTargetFault:           "TargetFault",
	KindTimeout:               "Timeout",
	KindInvalidAddress:        "InvalidAddress",
	KindUnsupportedCapability: "UnsupportedCapability",
	KindFlashOperationFailed:  "FlashOperationFailed",
	KindVerificationFailed:    "VerificationFailed",
	KindProbeNotFound:         "ProbeNotFound",
	KindProbeBusy:             "ProbeBusy",
	KindAttachFailed:          "AttachFailed",
	KindCoreNotHalted:         "CoreNotHalted",
	KindInvalidArgument:       "InvalidArgument",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Phase names the stage of an operation that failed.
type Phase string

const (
	PhaseWire          Phase = "wire"
	PhaseAttach        Phase = "attach"
	PhaseMemory        Phase = "memory"
	PhaseCore          Phase = "core"
	PhaseFlashHalt     Phase = "flash-halt"
	PhaseFlashLoad     Phase = "flash-load"
	PhaseFlashInvoke   Phase = "flash-invoke"
	PhaseFlashPoll     Phase = "flash-poll"
	PhaseFlashCollect  Phase = "flash-collect"
	PhaseFlashTeardown Phase = "flash-teardown"
	PhaseFlashVerify   Phase = "flash-verify"
)

type Error struct {
	Kind  Kind
	Phase Phase

	// Addr is the target address the failure relates to, valid if HasAddr.
	Addr    uint32
	HasAddr bool

	// Attempts is the number of wire attempts made before giving up.
	Attempts int
	// Transferred is the number of units (bytes for memory operations,
	// words for wire runs) that completed before the failure.
	Transferred int
	// Code is the value returned by a flash algorithm entry point.
	Code uint32
	// Retryable is set when the link was re-synchronized and the failed
	// request may be re-issued from a known state.
	Retryable bool

	Msg   string
	Cause error
}

func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(k Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Phase != "" {
		fmt.Fprintf(&sb, " (%s)", e.Phase)
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.HasAddr {
		fmt.Fprintf(&sb, " at 0x%08x", e.Addr)
	}
	if e.Kind == KindFlashOperationFailed {
		fmt.Fprintf(&sb, ", code %d", e.Code)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&sb, " after %d attempts", e.Attempts)
	}
	if e.Transferred > 0 {
		fmt.Fprintf(&sb, " (%d transferred)", e.Transferred)
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %s", e.Cause)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) At(addr uint32) *Error {
	e.Addr, e.HasAddr = addr, true
	return e
}

func (e *Error) In(p Phase) *Error {
	e.Phase = p
	return e
}

func (e *Error) WithAttempts(n int) *Error {
	e.Attempts = n
	return e
}

func (e *Error) WithTransferred(n int) *Error {
	e.Transferred = n
	return e
}

func (e *Error) WithCode(c uint32) *Error {
	e.Code = c
	return e
}

// As returns the typed error at the root of err.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := errors.Cause(err).(*Error); ok {
		return e, true
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindUnknown if err carries no kind.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// SetPhase records the phase on the typed error at the root of err, if any,
// and returns err unchanged.
func SetPhase(err error, p Phase) error {
	if e, ok := As(err); ok {
		e.Phase = p
	}
	return err
}

// Transferred returns the completed unit count recorded in err.
func Transferred(err error) int {
	if e, ok := As(err); ok {
		return e.Transferred
	}
	return 0
}

// Retryable reports whether err may be retried after re-synchronizing
// upper layer state.
func Retryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}
