// Package groth16 is the zero-knowledge reference backend: a Groth16 proof
// over BN254 that the prover knows opinions hashing to the public
// commitment.
package groth16

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	gnarklogger "github.com/consensys/gnark/logger"

	"github.com/brech1/eigentrust-protocol/internal/proof"
)

// Name 是后端名称。
const Name = "groth16"

// Backend 持有编译后的约束系统与密钥。
type Backend struct {
	capacity int
	ccs      constraint.ConstraintSystem
	pk       groth16.ProvingKey
	vk       groth16.VerifyingKey
}

func compile(capacity int) (constraint.ConstraintSystem, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("电路容量 %d 非法", capacity)
	}
	gnarklogger.Disable()
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewCircuit(capacity))
	if err != nil {
		return nil, fmt.Errorf("编译电路失败: %w", err)
	}
	return ccs, nil
}

// New 编译电路并执行一次可信设置，密钥只保存在内存中。
func New(capacity int) (*Backend, error) {
	ccs, err := compile(capacity)
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("可信设置失败: %w", err)
	}
	return &Backend{capacity: capacity, ccs: ccs, pk: pk, vk: vk}, nil
}

// LoadOrSetup 从 dir 读取密钥，不存在时执行设置并持久化，
// 使所有节点使用相同的验证密钥。
func LoadOrSetup(dir string, capacity int) (*Backend, error) {
	ccs, err := compile(capacity)
	if err != nil {
		return nil, err
	}
	pkPath := filepath.Join(dir, fmt.Sprintf("attestation_%d.pk", capacity))
	vkPath := filepath.Join(dir, fmt.Sprintf("attestation_%d.vk", capacity))

	pk := groth16.NewProvingKey(ecc.BN254)
	vk := groth16.NewVerifyingKey(ecc.BN254)
	pkErr := readKey(pkPath, pk)
	vkErr := readKey(vkPath, vk)
	if pkErr == nil && vkErr == nil {
		return &Backend{capacity: capacity, ccs: ccs, pk: pk, vk: vk}, nil
	}
	if !errors.Is(pkErr, os.ErrNotExist) && pkErr != nil {
		return nil, pkErr
	}
	if !errors.Is(vkErr, os.ErrNotExist) && vkErr != nil {
		return nil, vkErr
	}

	pk, vk, err = groth16.Setup(ccs)
	if err != nil {
		return nil, fmt.Errorf("可信设置失败: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建密钥目录失败: %w", err)
	}
	if err := writeKey(pkPath, pk); err != nil {
		return nil, err
	}
	if err := writeKey(vkPath, vk); err != nil {
		return nil, err
	}
	return &Backend{capacity: capacity, ccs: ccs, pk: pk, vk: vk}, nil
}

type readerFrom interface {
	ReadFrom(r io.Reader) (int64, error)
}

type writerTo interface {
	WriteTo(w io.Writer) (int64, error)
}

func readKey(path string, dst readerFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := dst.ReadFrom(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("读取密钥 %s 失败: %w", path, err)
	}
	return nil
}

func writeKey(path string, src writerTo) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("创建密钥文件失败: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := src.WriteTo(w); err != nil {
		f.Close()
		return fmt.Errorf("写入密钥 %s 失败: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Name 实现 proof.Backend。
func (b *Backend) Name() string { return Name }

// Capacity 返回电路容量。
func (b *Backend) Capacity() int { return b.capacity }

// Prove 实现 proof.Backend。见证不满足约束时返回错误。
func (b *Backend) Prove(ctx context.Context, public proof.PublicInputs, witness proof.Witness) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := witness.Statement
	if len(st.Entries) != b.capacity {
		return nil, fmt.Errorf("见证条目数 %d 与电路容量 %d 不一致", len(st.Entries), b.capacity)
	}
	assignment := NewCircuit(b.capacity)
	assignPublic(assignment, public)
	for i, e := range st.Entries {
		assignment.Targets[i] = new(big.Int).SetBytes(e.Target[:])
		assignment.Weights[i] = e.Weight
	}
	full, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("构造见证失败: %w", err)
	}
	prf, err := groth16.Prove(b.ccs, b.pk, full)
	if err != nil {
		return nil, fmt.Errorf("生成证明失败: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := prf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("序列化证明失败: %w", err)
	}
	return buf.Bytes(), nil
}

// Verify 实现 proof.Backend。格式错误返回 error，验证不通过返回 false。
func (b *Backend) Verify(ctx context.Context, public proof.PublicInputs, data []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	prf := groth16.NewProof(ecc.BN254)
	if _, err := prf.ReadFrom(bytes.NewReader(data)); err != nil {
		return false, fmt.Errorf("反序列化证明失败: %w", err)
	}
	assignment := NewCircuit(b.capacity)
	assignPublic(assignment, public)
	pw, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, fmt.Errorf("构造公开见证失败: %w", err)
	}
	if err := groth16.Verify(prf, b.vk, pw); err != nil {
		return false, nil
	}
	return true, nil
}

func assignPublic(c *Circuit, public proof.PublicInputs) {
	c.Peer = new(big.Int).SetBytes(public.Peer[:])
	c.Round = public.Round
	c.Commitment = public.Commitment.Big()
}
