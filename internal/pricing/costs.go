package pricing

// Complexity classifies an AI operation by how much work it demands.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityStandard Complexity = "standard"
	ComplexityComplex  Complexity = "complex"
	ComplexityAdvanced Complexity = "advanced"
)

// DefaultComplexity is used when a request carries an unknown complexity.
const DefaultComplexity = ComplexityStandard

// tokenCosts maps complexity to the internal token charge per operation.
var tokenCosts = map[Complexity]int64{
	ComplexitySimple:   1,
	ComplexityStandard: 3,
	ComplexityComplex:  8,
	ComplexityAdvanced: 15,
}

// TokensFor returns the token charge for a complexity, falling back to the
// standard charge for unknown values.
func TokensFor(c Complexity) int64 {
	if cost, ok := tokenCosts[c]; ok {
		return cost
	}
	return tokenCosts[DefaultComplexity]
}

// ValidComplexity returns true if the complexity is recognised.
func ValidComplexity(c Complexity) bool {
	_, ok := tokenCosts[c]
	return ok
}

// apiCostCents is the base external-API cost per call in cents, keyed by
// model then complexity. The "default" model row covers unknown models.
var apiCostCents = map[string]map[Complexity]int64{
	"gpt-4o-mini": {
		ComplexitySimple:   1,
		ComplexityStandard: 2,
		ComplexityComplex:  4,
		ComplexityAdvanced: 8,
	},
	"gpt-4o": {
		ComplexitySimple:   3,
		ComplexityStandard: 6,
		ComplexityComplex:  15,
		ComplexityAdvanced: 30,
	},
	"claude-sonnet": {
		ComplexitySimple:   3,
		ComplexityStandard: 7,
		ComplexityComplex:  18,
		ComplexityAdvanced: 35,
	},
	"claude-opus": {
		ComplexitySimple:   10,
		ComplexityStandard: 25,
		ComplexityComplex:  60,
		ComplexityAdvanced: 120,
	},
	"default": {
		ComplexitySimple:   3,
		ComplexityStandard: 6,
		ComplexityComplex:  15,
		ComplexityAdvanced: 30,
	},
}

// APICostCents returns the base external-API cost for one call in cents.
// Unknown models use the "default" row; unknown complexities use the
// standard column of the resolved row.
func APICostCents(model string, c Complexity) int64 {
	row, ok := apiCostCents[model]
	if !ok {
		row = apiCostCents["default"]
	}
	if cost, ok := row[c]; ok {
		return cost
	}
	return row[DefaultComplexity]
}
