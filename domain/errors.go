//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

import "fmt"

// StorageError is implemented by every typed error raised by the storage
// core. DisplayCause returns the short (~20 char) operator-facing
// fragment from the vocabulary in the design notes ("Same device!",
// "No space", "Device busy", ...); Error returns the full-context string
// for the debug log.
type StorageError interface {
	error
	DisplayCause() string
}

// baseError is embedded by every concrete error type below.
type baseError struct {
	cause   string // short display vocabulary
	detail  string // full context for logs
	wrapped error
}

func (e *baseError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.detail, e.wrapped)
	}
	return e.detail
}

func (e *baseError) DisplayCause() string { return e.cause }

func (e *baseError) Unwrap() error { return e.wrapped }

// DeviceError family: not-found, busy, validation failures on a device.

type DeviceNotFoundError struct{ baseError }

func NewDeviceNotFoundError(name string) *DeviceNotFoundError {
	return &DeviceNotFoundError{baseError{
		cause:  "Not found",
		detail: fmt.Sprintf("device %q not found in inventory", name),
	}}
}

type DeviceBusyError struct{ baseError }

func NewDeviceBusyError(name string) *DeviceBusyError {
	return &DeviceBusyError{baseError{
		cause:  "Device busy",
		detail: fmt.Sprintf("device %q is busy", name),
	}}
}

type DeviceValidationError struct{ baseError }

func NewDeviceValidationError(detail string) *DeviceValidationError {
	return &DeviceValidationError{baseError{cause: "Validation", detail: detail}}
}

// MountError family: unmount failures, post-unmount verification failures.

type UnmountFailedError struct{ baseError }

func NewUnmountFailedError(name string, err error) *UnmountFailedError {
	return &UnmountFailedError{baseError{
		cause:   "Unmount target",
		detail:  fmt.Sprintf("failed to unmount %q", name),
		wrapped: err,
	}}
}

type MountVerificationError struct{ baseError }

func NewMountVerificationError(name string) *MountVerificationError {
	return &MountVerificationError{baseError{
		cause:  "Unmount target",
		detail: fmt.Sprintf("%q still mounted after unmount attempts", name),
	}}
}

// CloneError family.

type SameDeviceError struct{ baseError }

func NewSameDeviceError() *SameDeviceError {
	return &SameDeviceError{baseError{cause: "Same device!", detail: "source and destination share a base device"}}
}

type InsufficientSpaceError struct{ baseError }

func NewInsufficientSpaceError(need, have uint64) *InsufficientSpaceError {
	return &InsufficientSpaceError{baseError{
		cause:  "No space",
		detail: fmt.Sprintf("need %d bytes, have %d bytes", need, have),
	}}
}

type CloneOperationError struct{ baseError }

func NewCloneOperationError(detail string, err error) *CloneOperationError {
	return &CloneOperationError{baseError{cause: "Check logs", detail: detail, wrapped: err}}
}

// FormatError family.

type FormatOperationError struct{ baseError }

func NewFormatOperationError(cause, detail string, err error) *FormatOperationError {
	if cause == "" {
		cause = "Check logs"
	}
	return &FormatOperationError{baseError{cause: cause, detail: detail, wrapped: err}}
}

// EraseError family.

type EraseOperationError struct{ baseError }

func NewEraseOperationError(cause, detail string, err error) *EraseOperationError {
	if cause == "" {
		cause = "Check logs"
	}
	return &EraseOperationError{baseError{cause: cause, detail: detail, wrapped: err}}
}

// RestoreError covers ISO/ImageUSB/Clonezilla restore failures.

type RestoreError struct{ baseError }

func NewRestoreError(cause, detail string, err error) *RestoreError {
	if cause == "" {
		cause = "Check logs"
	}
	return &RestoreError{baseError{cause: cause, detail: detail, wrapped: err}}
}

// CommandFailedError wraps a non-zero exit from an external tool.
type CommandFailedError struct {
	baseError
	Argv          []string
	LastStderrLine string
	ExitCode      int
}

func NewCommandFailedError(argv []string, lastStderrLine string, exitCode int) *CommandFailedError {
	return &CommandFailedError{
		baseError: baseError{
			cause:  shortCause(lastStderrLine),
			detail: fmt.Sprintf("command %v exited %d: %s", argv, exitCode, lastStderrLine),
		},
		Argv:           argv,
		LastStderrLine: lastStderrLine,
		ExitCode:       exitCode,
	}
}

func shortCause(stderrLine string) string {
	if stderrLine == "" {
		return "Check logs"
	}
	if len(stderrLine) > 20 {
		return stderrLine[:20]
	}
	return stderrLine
}

// ToolMissingError signals a required binary is absent from PATH.
type ToolMissingError struct{ baseError }

func NewToolMissingError(tool string) *ToolMissingError {
	return &ToolMissingError{baseError{
		cause:  fmt.Sprintf("no %s", tool),
		detail: fmt.Sprintf("required tool %q not found on PATH", tool),
	}}
}

// AuthenticationError and TransferError cover peer-transfer-only failures.

type AuthenticationError struct{ baseError }

func NewAuthenticationError(detail string) *AuthenticationError {
	return &AuthenticationError{baseError{cause: "Auth failed", detail: detail}}
}

type TransferError struct{ baseError }

func NewTransferError(detail string, err error) *TransferError {
	return &TransferError{baseError{cause: "Check logs", detail: detail, wrapped: err}}
}
