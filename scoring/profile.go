package scoring

import "github.com/liamcoop/rescueplan/models"

// Scoring dimensions. Every value is normalized so that higher is better.
const (
	DimSuccessRate  = "success_rate"
	DimResponseTime = "response_time"
	DimCoverageRate = "coverage_rate"
	DimRisk         = "risk"
	DimRedundancy   = "redundancy"
)

// Dimensions lists the scoring dimensions in reporting order.
var Dimensions = []string{DimSuccessRate, DimResponseTime, DimCoverageRate, DimRisk, DimRedundancy}

// DefaultProfile is used when no scoring profile applies.
func DefaultProfile() models.WeightProfile {
	return models.WeightProfile{
		Name: "default",
		Weights: map[string]float64{
			DimSuccessRate:  0.25,
			DimResponseTime: 0.25,
			DimCoverageRate: 0.25,
			DimRisk:         0.15,
			DimRedundancy:   0.10,
		},
	}
}
