package extractor

import (
	"encoding/json"

	"tycho/internal/model"
	"tycho/pkg/errs"
)

// JSONVMDecoder and JSONNativeDecoder decode a raw per-block payload
// the same way internal/stream treats its own envelope: as an opaque
// JSON blob rather than the upstream's real substreams protobuf
// encoding (spec.md §1 names the upstream wire format a non-goal).
// Both reject a payload with zero tx updates as errs.Empty, per
// VMDecoder/NativeDecoder's contract.
type JSONVMDecoder struct{}

func (JSONVMDecoder) Decode(raw []byte, identity model.ExtractorIdentity, protocolSystem string) (model.BlockContractChanges, error) {
	var changes model.BlockContractChanges
	if err := json.Unmarshal(raw, &changes); err != nil {
		return model.BlockContractChanges{}, errs.Wrap(errs.Decode, "decode vm payload", err)
	}
	if len(changes.TxUpdates) == 0 {
		return model.BlockContractChanges{}, errs.New(errs.Empty, "payload contains no tx updates")
	}
	changes.Extractor = identity.Name
	changes.Chain = identity.Chain
	return changes, nil
}

// JSONNativeDecoder is JSONVMDecoder's native-flavour counterpart.
type JSONNativeDecoder struct{}

func (JSONNativeDecoder) Decode(raw []byte, identity model.ExtractorIdentity, protocolSystem string) (model.BlockEntityChanges, error) {
	var changes model.BlockEntityChanges
	if err := json.Unmarshal(raw, &changes); err != nil {
		return model.BlockEntityChanges{}, errs.Wrap(errs.Decode, "decode native payload", err)
	}
	if len(changes.TxUpdates) == 0 {
		return model.BlockEntityChanges{}, errs.New(errs.Empty, "payload contains no tx updates")
	}
	changes.Extractor = identity.Name
	changes.Chain = identity.Chain
	return changes, nil
}
