// Package planner decides how a file is split into ordered parts for transfer.
//
// Planning is pure: the same inputs always produce the same plan and no I/O
// takes place.
package planner

import (
	"errors"
	"fmt"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

// MaxParts is the largest part count a multipart upload accepts.
const MaxParts = 10000

var (
	// ErrNegativeSize is returned for a negative file size.
	ErrNegativeSize = errors.New("planner: negative file size")

	// ErrInvalidChunkSize is returned for a non-positive chunk size.
	ErrInvalidChunkSize = errors.New("planner: chunk size must be positive")

	// ErrTooManyParts is returned when the plan would exceed MaxParts.
	ErrTooManyParts = errors.New("planner: too many parts")
)

// Plan partitions [0, fileSize) into parts. Files no larger than
// chunkThreshold become a single part; larger files are cut into chunkSize
// parts with the remainder last.
func Plan(fileSize, chunkThreshold, chunkSize int64) (*uploadtypes.TransferPlan, error) {
	if fileSize < 0 {
		return nil, ErrNegativeSize
	}

	if fileSize <= chunkThreshold {
		return &uploadtypes.TransferPlan{
			TotalBytes: fileSize,
			Parts: []uploadtypes.Part{{
				Index: 0,
				Range: uploadtypes.ByteRange{Start: 0, End: fileSize},
			}},
		}, nil
	}

	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}

	n := calculateParts(fileSize, chunkSize)
	if n > MaxParts {
		return nil, fmt.Errorf("%w: %d parts of %d bytes", ErrTooManyParts, n, chunkSize)
	}

	parts := make([]uploadtypes.Part, n)
	for i := range parts {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		parts[i] = uploadtypes.Part{
			Index: i,
			Range: uploadtypes.ByteRange{Start: start, End: end},
		}
	}

	return &uploadtypes.TransferPlan{TotalBytes: fileSize, Parts: parts}, nil
}

// calculateParts calculates the number of parts needed for the given size and part size
func calculateParts(size, partSize int64) int {
	return int((size + partSize - 1) / partSize)
}

// DefaultConcurrency returns the part concurrency used when none is configured:
// between 3 and 8 depending on the part count.
func DefaultConcurrency(parts int) int {
	switch {
	case parts <= 3:
		return 3
	case parts >= 8:
		return 8
	default:
		return parts
	}
}
