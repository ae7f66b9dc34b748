package modbus

import "errors"

var errUnsupportedFunction = errors.New("modbus: unsupported function code")
