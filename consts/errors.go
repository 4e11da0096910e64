package consts

import "errors"

var (
	ErrUnknownAlias    = errors.New("unknown database alias")
	ErrNoPrimary       = errors.New("no primary database alias configured")
	ErrPoolClosed      = errors.New("connection pool closed")
	ErrConnReleased    = errors.New("connection already released")
	ErrInvalidArgument = errors.New("invalid argument")
)
