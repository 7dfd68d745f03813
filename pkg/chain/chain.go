// Package chain holds the small value types shared by every Tycho
// component: chain identifiers and the address/hash types used to key
// blocks, transactions, contracts and protocol components.
package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Address is a 20-byte account/contract address, aliasing go-ethereum's
// common.Address so hex encode/decode and map-key semantics come for
// free.
type Address = common.Address

// Hash is a 32-byte block/transaction/slot hash.
type Hash = common.Hash

// HexToAddress parses a lower-case hex string with an optional 0x
// prefix into an Address.
func HexToAddress(s string) Address { return common.HexToAddress(s) }

// HexToHash parses a lower-case hex string with an optional 0x prefix
// into a Hash.
func HexToHash(s string) Hash { return common.HexToHash(s) }

// EncodeHex renders b as lower-case hex with a 0x prefix, per the wire
// convention in spec.md §6.
func EncodeHex(b []byte) string { return hexutil.Encode(b) }

// DecodeHex accepts hex with or without a leading 0x, unlike
// hexutil.Decode which requires the prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hexutil.Decode("0x" + s)
}

// Chain identifies the upstream ledger an extractor or protocol
// component belongs to.
type Chain uint8

const (
	// Ethereum is the default chain when none is specified.
	Ethereum Chain = iota
	Starknet
	ZkSync
)

func (c Chain) String() string {
	switch c {
	case Ethereum:
		return "ethereum"
	case Starknet:
		return "starknet"
	case ZkSync:
		return "zksync"
	default:
		return fmt.Sprintf("chain(%d)", uint8(c))
	}
}

// ParseChain maps a lower-case chain tag back to its enum value.
func ParseChain(s string) (Chain, error) {
	switch strings.ToLower(s) {
	case "ethereum":
		return Ethereum, nil
	case "starknet":
		return Starknet, nil
	case "zksync":
		return ZkSync, nil
	default:
		return 0, fmt.Errorf("unknown chain %q", s)
	}
}

// MarshalJSON renders the chain using its lower-case tag, matching the
// wire format of spec.md §6.
func (c Chain) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON parses the lower-case chain tag.
func (c *Chain) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseChain(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
