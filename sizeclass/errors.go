package sizeclass

import "github.com/cockroachdb/errors"

func buildError(g Geometry, format string, args ...any) error {
	return errors.Wrapf(ErrInvalidGeometry, "%s: "+format, append([]any{g.Name}, args...)...)
}
