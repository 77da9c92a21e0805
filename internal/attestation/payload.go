package attestation

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	xerrors "github.com/brech1/eigentrust-protocol/internal/errors"
	"github.com/brech1/eigentrust-protocol/internal/trust"
)

// PayloadVersion 是当前链上载荷格式版本。
const PayloadVersion uint8 = 1

// Payload 是锚定到链上的规范载荷。Entries 只包含真实条目，不含补齐项。
type Payload struct {
	Version    uint8
	Peer       common.Address
	Round      uint64
	Commitment Commitment
	Entries    []Entry
	Proof      []byte
}

// NewPayload 由语句和证明构造载荷。
func NewPayload(st Statement, proof []byte) Payload {
	return Payload{
		Version:    PayloadVersion,
		Peer:       st.Peer,
		Round:      st.Round,
		Commitment: st.Commitment(),
		Entries:    append([]Entry(nil), st.Entries[:st.Size]...),
		Proof:      append([]byte(nil), proof...),
	}
}

// Opinions 返回载荷中反量化后的观点。
func (p Payload) Opinions() []trust.Opinion {
	out := make([]trust.Opinion, 0, len(p.Entries))
	for _, e := range p.Entries {
		out = append(out, trust.Opinion{Source: p.Peer, Target: e.Target, Weight: Dequantize(e.Weight)})
	}
	return out
}

// EncodePayload 以 RLP 编码载荷。
func EncodePayload(p Payload) ([]byte, error) {
	raw, err := rlp.EncodeToBytes(&p)
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformedCommitment, err, "编码载荷失败")
	}
	return raw, nil
}

// DecodePayload 解码载荷，并重新计算承诺确认条目未被篡改。
func (c Codec) DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := rlp.DecodeBytes(raw, &p); err != nil {
		return Payload{}, xerrors.Wrap(CodeMalformedCommitment, err, "解码载荷失败")
	}
	if p.Version != PayloadVersion {
		return Payload{}, xerrors.Newf(CodeMalformedCommitment, "不支持的载荷版本 %d", p.Version)
	}
	st, err := c.Statement(p.Peer, p.Round, p.Opinions())
	if err != nil {
		return Payload{}, err
	}
	if st.Commitment() != p.Commitment {
		return Payload{}, xerrors.Newf(CodeMalformedCommitment, "载荷承诺 %s 与条目不符", p.Commitment.Hex())
	}
	return p, nil
}
