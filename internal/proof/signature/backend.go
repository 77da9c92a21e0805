// Package signature provides a proof backend that authenticates public
// inputs with the peer's secp256k1 key. It binds a commitment to its author
// and round but proves nothing about the hidden opinions, so it is meant for
// development networks and tests.
package signature

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/brech1/eigentrust-protocol/internal/proof"
)

// Name 是后端名称。
const Name = "signature"

var domainTag = []byte("eigentrust/proof/v1")

// Backend 用节点私钥对公开输入签名。
type Backend struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// New 创建后端；key 为 nil 时只能验证。
func New(key *ecdsa.PrivateKey) *Backend {
	b := &Backend{key: key}
	if key != nil {
		b.address = crypto.PubkeyToAddress(key.PublicKey)
	}
	return b
}

// Name 实现 proof.Backend。
func (b *Backend) Name() string { return Name }

// Prove 实现 proof.Backend。
func (b *Backend) Prove(ctx context.Context, public proof.PublicInputs, witness proof.Witness) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.key == nil {
		return nil, errors.New("未配置签名私钥")
	}
	if public.Peer != b.address {
		return nil, fmt.Errorf("私钥地址 %s 与证明节点 %s 不一致", b.address.Hex(), public.Peer.Hex())
	}
	st := witness.Statement
	if st.Peer != public.Peer || st.Round != public.Round || st.Commitment() != public.Commitment {
		return nil, errors.New("见证与公开输入不一致")
	}
	return crypto.Sign(Digest(public).Bytes(), b.key)
}

// Verify 实现 proof.Backend。
func (b *Backend) Verify(ctx context.Context, public proof.PublicInputs, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(data) != crypto.SignatureLength {
		return false, fmt.Errorf("签名长度 %d 非法", len(data))
	}
	pub, err := crypto.SigToPub(Digest(public).Bytes(), data)
	if err != nil {
		return false, nil
	}
	return crypto.PubkeyToAddress(*pub) == public.Peer, nil
}

// Digest 返回公开输入的签名摘要。
func Digest(public proof.PublicInputs) common.Hash {
	var round [8]byte
	binary.BigEndian.PutUint64(round[:], public.Round)
	return crypto.Keccak256Hash(domainTag, public.Peer.Bytes(), round[:], public.Commitment[:])
}
