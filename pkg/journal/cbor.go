package journal

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode and decMode mirror pkg/log's CBOR configuration: canonical
// encoding and RFC3339Nano timestamps, so a persisted journal record is
// as reproducible as a persisted log event.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("journal: build CBOR encoder mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("journal: build CBOR decoder mode: %v", err))
	}
}
