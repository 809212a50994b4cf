package pageio

import "errors"

// ErrCorruption signals a checksum mismatch or an impossible on-disk
// layout. Per spec section 7 this is fatal to the current open: the
// database should only be reopened after external repair.
var ErrCorruption = errors.New("pageio: corruption detected")

// ErrNotFound signals a page id with no corresponding page on disk.
var ErrNotFound = errors.New("pageio: page not found")
