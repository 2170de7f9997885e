package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/catalyst-forge-libs/mediaupload/uploadtypes"
)

const mib = uploadtypes.MiB

func partSizes(plan *uploadtypes.TransferPlan) []int64 {
	sizes := make([]int64, len(plan.Parts))
	for i, p := range plan.Parts {
		sizes[i] = p.Range.Len()
	}
	return sizes
}

func TestPlan_Scenarios(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		threshold int64
		chunk     int64
		want      []int64
	}{
		{name: "3 MiB below threshold", size: 3 * mib, threshold: 5 * mib, chunk: 8 * mib, want: []int64{3 * mib}},
		{name: "exactly at threshold", size: 5 * mib, threshold: 5 * mib, chunk: 8 * mib, want: []int64{5 * mib}},
		{name: "20 MiB in 8 MiB chunks", size: 20 * mib, threshold: 5 * mib, chunk: 8 * mib, want: []int64{8 * mib, 8 * mib, 4 * mib}},
		{name: "exact multiple", size: 16 * mib, threshold: 5 * mib, chunk: 8 * mib, want: []int64{8 * mib, 8 * mib}},
		{name: "just above threshold", size: 5*mib + 1, threshold: 5 * mib, chunk: 8 * mib, want: []int64{5*mib + 1}},
		{name: "empty file", size: 0, threshold: 5 * mib, chunk: 8 * mib, want: []int64{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Plan(tt.size, tt.threshold, tt.chunk)
			require.NoError(t, err)
			assert.Equal(t, tt.want, partSizes(plan))
			assert.Equal(t, tt.size, plan.TotalBytes)
			assert.Equal(t, len(tt.want) > 1, plan.Chunked())
		})
	}
}

func TestPlan_RangesTileFile(t *testing.T) {
	chunks := []int64{1, 7, 1024, 5 * mib, 8 * mib}
	sizes := []int64{0, 1, 2, 1023, 1024, 1025, 5*mib - 1, 5 * mib, 5*mib + 1, 20 * mib, 20*mib + 3, 97 * mib}

	for _, chunk := range chunks {
		for _, size := range sizes {
			plan, err := Plan(size, 5*mib, chunk)
			if err != nil {
				require.ErrorIs(t, err, ErrTooManyParts)
				continue
			}

			var next int64
			for i, p := range plan.Parts {
				assert.Equal(t, i, p.Index)
				assert.Equal(t, next, p.Range.Start, "gap or overlap at part %d (size=%d chunk=%d)", i, size, chunk)
				assert.GreaterOrEqual(t, p.Range.End, p.Range.Start)
				if plan.Chunked() {
					assert.Positive(t, p.Range.Len())
					assert.LessOrEqual(t, p.Range.Len(), chunk)
				}
				assert.Equal(t, uploadtypes.PartPending, p.State)
				next = p.Range.End
			}
			assert.Equal(t, size, next, "union must equal [0, size) for size=%d chunk=%d", size, chunk)
		}
	}
}

func TestPlan_Deterministic(t *testing.T) {
	a, err := Plan(33*mib, 5*mib, 8*mib)
	require.NoError(t, err)
	b, err := Plan(33*mib, 5*mib, 8*mib)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPlan_Errors(t *testing.T) {
	_, err := Plan(-1, 5*mib, 8*mib)
	assert.ErrorIs(t, err, ErrNegativeSize)

	_, err = Plan(10*mib, 5*mib, 0)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = Plan(MaxParts+1, 0, 1)
	assert.ErrorIs(t, err, ErrTooManyParts)

	// Small files never need a chunk size.
	_, err = Plan(1*mib, 5*mib, 0)
	assert.NoError(t, err)
}

func TestDefaultConcurrency(t *testing.T) {
	assert.Equal(t, 3, DefaultConcurrency(1))
	assert.Equal(t, 3, DefaultConcurrency(3))
	assert.Equal(t, 5, DefaultConcurrency(5))
	assert.Equal(t, 8, DefaultConcurrency(8))
	assert.Equal(t, 8, DefaultConcurrency(400))
}
