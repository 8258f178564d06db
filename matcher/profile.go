package matcher

import "github.com/liamcoop/rescueplan/models"

// Match score dimensions.
const (
	DimCapability   = "capability"
	DimDistance     = "distance"
	DimAvailability = "availability"
	DimEquipment    = "equipment"
	DimHistory      = "history"
)

// Dimensions lists the match dimensions in reporting order.
var Dimensions = []string{DimCapability, DimDistance, DimAvailability, DimEquipment, DimHistory}

// DefaultProfile is used when no default match profile is configured.
func DefaultProfile() models.WeightProfile {
	return models.WeightProfile{
		Name: "default",
		Weights: map[string]float64{
			DimCapability:   0.35,
			DimDistance:     0.25,
			DimAvailability: 0.15,
			DimEquipment:    0.15,
			DimHistory:      0.10,
		},
	}
}
