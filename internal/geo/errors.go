package geo

import "errors"

var (
	ErrInvalidCoord = errors.New("geo: invalid coordinate")
	ErrNoFix        = errors.New("geo: no position fix")
)
