// Package namegen produces short human-readable identifiers, used to
// correlate all log lines emitted by a single reconciliation run.
package namegen

import (
	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}
