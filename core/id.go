package core

import (
	"github.com/oklog/ulid/v2"

	"pkt.systems/nbsync/schema"
)

func newPendingHandle() schema.PendingHandle {
	return schema.PendingHandle("pending-" + ulid.Make().String())
}
