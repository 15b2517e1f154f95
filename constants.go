package ublk

import "github.com/ehrlich-b/go-ublk-vram/internal/constants"

// Re-export constants for public API
const (
	DefaultMaxIOSize          = constants.DefaultMaxIOSize
	DefaultLogicalBlockSize   = constants.DefaultLogicalBlockSize
	DefaultPhysicalBlockSize  = constants.DefaultPhysicalBlockSize
	DefaultDiscardAlignment   = constants.DefaultDiscardAlignment
	DefaultDiscardGranularity = constants.DefaultDiscardGranularity
	DefaultMaxDiscardSectors  = constants.DefaultMaxDiscardSectors
	DefaultMaxDiscardSegments = constants.DefaultMaxDiscardSegments
	AutoAssignDeviceID        = constants.AutoAssignDeviceID
	MaxSegments               = constants.MaxSegments
	SectorSize                = constants.SectorSize
)
