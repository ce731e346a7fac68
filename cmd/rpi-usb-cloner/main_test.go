package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rpi-usb-cloner/rpi-usb-cloner/domain"
)

func TestExitCodeForMapsKnownErrors(t *testing.T) {
	assert.Equal(t, exitOK, exitCodeFor(nil))
	assert.Equal(t, exitInsufficientSpace, exitCodeFor(domain.NewInsufficientSpaceError(10, 5)))
	assert.Equal(t, exitValidationFailed, exitCodeFor(domain.NewDeviceNotFoundError("sdb")))
	assert.Equal(t, exitValidationFailed, exitCodeFor(domain.NewSameDeviceError()))
	assert.Equal(t, exitFailure, exitCodeFor(domain.NewCloneOperationError("boom", nil)))
}

func TestInferRestoreKind(t *testing.T) {
	assert.Equal(t, "iso", inferRestoreKind("/repo/backup.ISO"))
	assert.Equal(t, "imageusb", inferRestoreKind("/repo/disk.bin"))
	assert.Equal(t, "clonezilla", inferRestoreKind("/repo/clonezilla/my-image"))
}
