package extractor

import (
	"tycho/internal/model"
)

// VMDecoder turns a raw per-block payload into the VM-flavour
// per-block changes. A payload with zero transactions decodes to a
// *errs.Error of Kind Empty (spec.md §4.4 step 1), not a
// BlockContractChanges carrying no TxUpdates — callers branch on the
// error, not on an empty slice.
type VMDecoder interface {
	Decode(raw []byte, identity model.ExtractorIdentity, protocolSystem string) (model.BlockContractChanges, error)
}

// NativeDecoder is VMDecoder's native-flavour counterpart.
type NativeDecoder interface {
	Decode(raw []byte, identity model.ExtractorIdentity, protocolSystem string) (model.BlockEntityChanges, error)
}
