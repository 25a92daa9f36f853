package normalizer

import (
	"errors"
	"strings"

	"github.com/hut8/soar-sub008/lib/fix"
)

// PrefixResolver is the no-database resolver: the aircraft id is just the
// address type and the uppercased address glued together. Two transponders
// on one airframe therefore track as two aircraft, which is the honest
// answer when nothing ties them together.
type PrefixResolver struct{}

var ErrNoAddress = errors.New("report carries no address")

func (PrefixResolver) Resolve(address string, addressType fix.AddressType) (string, error) {
	if "" == address {
		return "", ErrNoAddress
	}
	t := addressType
	if "" == t {
		t = fix.AddressOther
	}
	return string(t) + ":" + strings.ToUpper(address), nil
}
