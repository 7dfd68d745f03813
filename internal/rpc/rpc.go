// Package rpc adapts github.com/ethereum/go-ethereum's ethclient into
// the narrow on-chain interfaces internal/extractor and internal/tokens
// need: current chain head, and ERC20 metadata lookups for newly
// discovered tokens (spec.md §4.3/§4.4).
package rpc

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/ethclient"

	"tycho/internal/model"
	"tycho/pkg/chain"
	"tycho/pkg/errs"
)

// erc20ABI covers three ERC20 read methods; TokenMetadata calls symbol
// and decimals.
const erc20ABI = `[
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

// Client wraps a single ethclient.Client. It satisfies both
// extractor.ChainStateProvider and tokens.RPCClient.
type Client struct {
	eth *ethclient.Client
	abi abi.ABI
}

// Dial connects to a JSON-RPC endpoint (HTTP or WS).
func Dial(ctx context.Context, url string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "dial ethereum rpc", err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, errs.Wrap(errs.Setup, "parse erc20 abi", err)
	}
	return &Client{eth: eth, abi: parsed}, nil
}

// Head implements extractor.ChainStateProvider. Starknet/ZkSync aren't
// reachable over this EVM client; callers for those chains must supply
// a different ChainStateProvider.
func (c *Client) Head(ctx context.Context, chn chain.Chain) (uint64, error) {
	if chn != chain.Ethereum {
		return 0, errs.New(errs.Setup, "rpc.Client only serves the ethereum chain")
	}
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, errs.Wrap(errs.Upstream, "fetch chain head", err)
	}
	return n, nil
}

// TokenMetadata implements tokens.RPCClient by calling the ERC20
// symbol and decimals accessors via eth_call; name is not queried.
func (c *Client) TokenMetadata(ctx context.Context, chn chain.Chain, addr chain.Address) (model.Token, error) {
	symbol, err := c.callString(ctx, addr, "symbol")
	if err != nil {
		return model.Token{}, err
	}
	decimals, err := c.callUint8(ctx, addr, "decimals")
	if err != nil {
		return model.Token{}, err
	}
	return model.Token{Chain: chn, Address: addr, Symbol: symbol, Decimals: uint32(decimals)}, nil
}

func (c *Client) callString(ctx context.Context, addr chain.Address, method string) (string, error) {
	out, err := c.call(ctx, addr, method)
	if err != nil {
		return "", err
	}
	var s string
	if err := c.abi.UnpackIntoInterface(&s, method, out); err != nil {
		return "", errs.Wrap(errs.Decode, "unpack "+method, err)
	}
	return s, nil
}

func (c *Client) callUint8(ctx context.Context, addr chain.Address, method string) (uint8, error) {
	out, err := c.call(ctx, addr, method)
	if err != nil {
		return 0, err
	}
	var d uint8
	if err := c.abi.UnpackIntoInterface(&d, method, out); err != nil {
		return 0, errs.Wrap(errs.Decode, "unpack "+method, err)
	}
	return d, nil
}

func (c *Client) call(ctx context.Context, addr chain.Address, method string) ([]byte, error) {
	input, err := c.abi.Pack(method)
	if err != nil {
		return nil, errs.Wrap(errs.Decode, "pack "+method, err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input}, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "call "+method, err)
	}
	return out, nil
}
