package catalog

import "errors"

var ErrNotFound = errors.New("texture not found")
