package domain

import "errors"

var ErrMalformedRange = errors.New("malformed range")
var ErrRangeUnsatisfiable = errors.New("range not satisfiable")
var ErrUpstream = errors.New("upstream error")
var ErrUpstreamTimeout = errors.New("upstream timeout")
var ErrClientAborted = errors.New("client aborted")
