package clock

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// Well-known id prefixes. Keeping them short keeps ids scannable in logs.
const (
	PrefixOrder      = "ord"
	PrefixFill       = "fil"
	PrefixEvent      = "evt"
	PrefixWebhook    = "whk"
	PrefixConnection = "con"
	PrefixReference  = "ref"
)

// Minter yields globally unique, lexicographically sortable identifiers.
// Ids are time-prefixed (KSUID), so sorting by id sorts by creation time.
type Minter interface {
	NewID(prefix string) string
}

// KSUIDMinter is the production minter.
type KSUIDMinter struct{}

// NewMinter returns the production id minter.
func NewMinter() *KSUIDMinter {
	return &KSUIDMinter{}
}

// NewID returns "<prefix>_<ksuid>". An empty prefix yields a bare ksuid.
func (m *KSUIDMinter) NewID(prefix string) string {
	id := ksuid.New().String()
	if prefix == "" {
		return id
	}
	return fmt.Sprintf("%s_%s", prefix, id)
}
