package dex

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"volumeflex/internal/model"
)

func TestSwapTopic0MatchesABI(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	if poolABI.Events["Swap"].ID != SwapTopic0 {
		t.Fatalf("swap topic mismatch: %s != %s", poolABI.Events["Swap"].ID.Hex(), SwapTopic0.Hex())
	}
}

func TestDecodeSwap(t *testing.T) {
	data := packSwap(t, big.NewInt(-1000), big.NewInt(2000))
	log := model.RawLog{
		Pool:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Topics: []common.Hash{SwapTopic0, AddressTopic(common.HexToAddress("0x2222222222222222222222222222222222222222"))},
		Data:   data,
	}

	swap, err := DecodeSwap(log)
	if err != nil {
		t.Fatalf("decode swap: %v", err)
	}
	if swap.Amount0.String() != "-1000" || swap.Amount1.String() != "2000" {
		t.Fatalf("amounts mismatch: %s %s", swap.Amount0, swap.Amount1)
	}
}

func TestDecodeSwapRejectsBadPayload(t *testing.T) {
	cases := []model.RawLog{
		{Topics: nil, Data: packSwap(t, big.NewInt(1), big.NewInt(1))},
		{Topics: []common.Hash{common.HexToHash("0x01")}, Data: packSwap(t, big.NewInt(1), big.NewInt(1))},
		{Topics: []common.Hash{SwapTopic0}, Data: []byte{0xde, 0xad, 0xbe, 0xef}},
	}
	for i, log := range cases {
		if _, err := DecodeSwap(log); err == nil {
			t.Fatalf("case %d: expected decode error", i)
		}
	}
}

func TestAddressTopicLeftPads(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	topic := AddressTopic(addr)
	want := "0x00000000000000000000000000000000000000000000000000000000deadbeef"
	if topic.Hex() != want {
		t.Fatalf("topic mismatch: %s != %s", topic.Hex(), want)
	}
}

func packSwap(t *testing.T, amount0, amount1 *big.Int) []byte {
	t.Helper()
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	data, err := poolABI.Events["Swap"].Inputs.NonIndexed().Pack(
		amount0,
		amount1,
		big.NewInt(123456789),
		big.NewInt(987654321),
		big.NewInt(-15),
	)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}
	return data
}
