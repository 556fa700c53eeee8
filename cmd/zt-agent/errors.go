package main

import (
	"errors"
	"net"

	zterrors "github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
)

func isAuthError(err error) bool {
	return errors.Is(err, zterrors.ErrUnauthorized) || errors.Is(err, zterrors.ErrForbidden)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, zterrors.ErrTransient)
}
