package contracts

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: a freshly issued contract verifies, and changing any one hashed field
// makes verification fail.
func TestContractHashProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("issued contracts verify", prop.ForAll(
		func(indices []int, reason string, offset int64) bool {
			c, err := CreateRepairContract("job-p", indices, "r"+reason, base.Add(time.Duration(offset)*time.Second))
			if err != nil {
				return len(indices) == 0
			}
			return VerifyContractHash(c)
		},
		gen.SliceOf(gen.IntRange(0, 500)),
		gen.AlphaString(),
		gen.Int64Range(0, 1<<30),
	))

	properties.Property("single field mutation breaks the hash", prop.ForAll(
		func(indices []int, reason string, field int) bool {
			c, err := CreateRepairContract("job-p", indices, "r"+reason, base)
			if err != nil {
				return true
			}
			switch field {
			case 0:
				c.TargetPrimaryJobID += "x"
			case 1:
				c.RepairScope.BatchIndices = append(c.RepairScope.BatchIndices, 1000)
			case 2:
				c.Reason += "x"
			default:
				c.CreatedAt = c.CreatedAt.Add(time.Millisecond)
			}
			return !VerifyContractHash(c)
		},
		gen.SliceOfN(3, gen.IntRange(0, 500)),
		gen.AlphaString(),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
