package panda

import "errors"

// ErrSocket reports a failure to bind or listen on the Panda UDP socket.
var ErrSocket = errors.New("panda: socket error")
