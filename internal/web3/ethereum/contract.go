package ethereum

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/brech1/eigentrust-protocol/internal/web3"
)

// attestationStationABI 是 AttestationStation 风格合约的最小 ABI。
const attestationStationABI = `[
  {"type":"function","name":"attest","stateMutability":"nonpayable",
   "inputs":[{"name":"_about","type":"address"},{"name":"_key","type":"bytes32"},{"name":"_val","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"attestations","stateMutability":"view",
   "inputs":[{"name":"","type":"address"},{"name":"","type":"address"},{"name":"","type":"bytes32"}],
   "outputs":[{"name":"","type":"bytes"}]},
  {"type":"event","name":"AttestationCreated","anonymous":false,
   "inputs":[{"name":"creator","type":"address","indexed":true},
             {"name":"about","type":"address","indexed":true},
             {"name":"key","type":"bytes32","indexed":true},
             {"name":"val","type":"bytes","indexed":false}]}
]`

// AttestationKey 是本协议在合约中使用的 key。
var AttestationKey = crypto.Keccak256Hash([]byte("eigentrust.attestation.v1"))

var stationABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(attestationStationABI))
	if err != nil {
		panic(fmt.Sprintf("解析 AttestationStation ABI 失败: %v", err))
	}
	return parsed
}

// attestationEventID 返回 AttestationCreated 事件签名。
func attestationEventID() common.Hash {
	return stationABI.Events["AttestationCreated"].ID
}

func packAttest(about common.Address, payload []byte) ([]byte, error) {
	return stationABI.Pack("attest", about, [32]byte(AttestationKey), payload)
}

func packRead(creator, about common.Address) ([]byte, error) {
	return stationABI.Pack("attestations", creator, about, [32]byte(AttestationKey))
}

func unpackRead(out []byte) ([]byte, error) {
	values, err := stationABI.Unpack("attestations", out)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("attestations 返回值数量 %d 非法", len(values))
	}
	val, ok := values[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("attestations 返回值类型 %T 非法", values[0])
	}
	return val, nil
}

// decodeAttestationLog 将日志转换为 AttestationEvent。
func decodeAttestationLog(lg coretypes.Log) (web3.AttestationEvent, error) {
	if len(lg.Topics) != 4 || lg.Topics[0] != attestationEventID() {
		return web3.AttestationEvent{}, fmt.Errorf("日志 %s 不是 AttestationCreated 事件", lg.TxHash.Hex())
	}
	values, err := stationABI.Unpack("AttestationCreated", lg.Data)
	if err != nil {
		return web3.AttestationEvent{}, fmt.Errorf("解码事件数据失败: %w", err)
	}
	if len(values) != 1 {
		return web3.AttestationEvent{}, fmt.Errorf("事件数据字段数量 %d 非法", len(values))
	}
	payload, ok := values[0].([]byte)
	if !ok {
		return web3.AttestationEvent{}, fmt.Errorf("事件数据类型 %T 非法", values[0])
	}
	return web3.AttestationEvent{
		TxHash:      lg.TxHash,
		Creator:     common.BytesToAddress(lg.Topics[1].Bytes()),
		About:       common.BytesToAddress(lg.Topics[2].Bytes()),
		Key:         lg.Topics[3],
		Payload:     payload,
		BlockNumber: lg.BlockNumber,
		Removed:     lg.Removed,
	}, nil
}
