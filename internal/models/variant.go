package models

// Variant names the tiling mode of a run.
type Variant string

const (
	VariantSingle Variant = "single"
	VariantPaired Variant = "paired"
)
