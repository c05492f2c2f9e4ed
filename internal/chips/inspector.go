package chips

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// decimalsSelector is the 4-byte selector of ERC-20 decimals().
var decimalsSelector = crypto.Keccak256([]byte("decimals()"))[:4]

// EthInspector reads chip facts from an Ethereum JSON-RPC node.
type EthInspector struct {
	client *ethclient.Client
}

// NewEthInspector dials the given RPC endpoint.
func NewEthInspector(ctx context.Context, rpcURL string) (*EthInspector, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc: %w", err)
	}
	return &EthInspector{client: client}, nil
}

// Close releases the RPC connection.
func (e *EthInspector) Close() {
	e.client.Close()
}

func (e *EthInspector) IsContract(ctx context.Context, addr common.Address) (bool, error) {
	code, err := e.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("code at %s: %w", addr.Hex(), err)
	}
	return len(code) > 0, nil
}

func (e *EthInspector) Decimals(ctx context.Context, addr common.Address) (uint8, error) {
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: decimalsSelector}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals on %s: %w", addr.Hex(), err)
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("%w: %s decimals() returned %d bytes", ErrInvalidAddress, addr.Hex(), len(out))
	}
	v := new(big.Int).SetBytes(out[:32])
	if !v.IsUint64() || v.Uint64() > 255 {
		return 0, fmt.Errorf("%w: %s decimals out of range", ErrInvalidAddress, addr.Hex())
	}
	return uint8(v.Uint64()), nil
}

// StaticInspector answers from a fixed allow-list. Used when no RPC endpoint
// is configured and in tests.
type StaticInspector struct {
	contracts map[common.Address]uint8
}

// NewStaticInspector creates an inspector that treats the given addresses as
// contracts with the listed decimals.
func NewStaticInspector(contracts map[common.Address]uint8) *StaticInspector {
	m := make(map[common.Address]uint8, len(contracts))
	for k, v := range contracts {
		m[k] = v
	}
	return &StaticInspector{contracts: m}
}

func (s *StaticInspector) IsContract(_ context.Context, addr common.Address) (bool, error) {
	_, ok := s.contracts[addr]
	return ok, nil
}

func (s *StaticInspector) Decimals(_ context.Context, addr common.Address) (uint8, error) {
	d, ok := s.contracts[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAddress, addr.Hex())
	}
	return d, nil
}

var (
	_ Inspector = (*EthInspector)(nil)
	_ Inspector = (*StaticInspector)(nil)
)
