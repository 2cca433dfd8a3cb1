package model

// Satellite is a tracked entity with its two-line element set.
type Satellite struct {
	SatNum int    // NORAD catalog number
	Name   string // title line of the element set
	Line1  string
	Line2  string
}
