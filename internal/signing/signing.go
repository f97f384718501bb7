// Package signing 实现借贷授权的 EIP-712 签名协议：构造钱包侧待签
// 结构化数据，并在服务端恢复签名人、校验 nonce 与截止时间。
package signing

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "github.com/cmdhema/lootpang-agent-llm/internal/errors"
)

// Kind 区分两种授权：跨链放款与抵押预充。
type Kind string

const (
	KindLoan    Kind = "LOAN"
	KindDeposit Kind = "DEPOSIT"
)

// 域参数与链上验证合约保持一致，不可单独变更。
const (
	domainName    = "VaultLending"
	domainVersion = "1"

	loanPrimaryType    = "LoanRequest"
	depositPrimaryType = "DepositCollateral"
)

// Authorization 是一次完整的待签授权。Deadline 为 unix 秒。
type Authorization struct {
	Kind     Kind
	User     common.Address
	Amount   *big.Int
	Nonce    *big.Int
	Deadline *big.Int

	ChainID  *big.Int
	Contract common.Address
}

// Protocol 负责签发授权并校验回传的签名。
type Protocol struct {
	deadline time.Duration
	now      func() time.Time
}

// NewProtocol 创建协议实例。deadlineSeconds 是授权的有效时长。
func NewProtocol(deadlineSeconds int) *Protocol {
	if deadlineSeconds <= 0 {
		deadlineSeconds = 3600
	}
	return &Protocol{
		deadline: time.Duration(deadlineSeconds) * time.Second,
		now:      time.Now,
	}
}

// Issue 用当前时间签发一份授权。nonce 必须是调用方刚从合约读到的实时值。
func (p *Protocol) Issue(kind Kind, user common.Address, amount, nonce, chainID *big.Int, contract common.Address) Authorization {
	deadline := p.now().Add(p.deadline).Unix()
	return Authorization{
		Kind:     kind,
		User:     user,
		Amount:   new(big.Int).Set(amount),
		Nonce:    new(big.Int).Set(nonce),
		Deadline: big.NewInt(deadline),
		ChainID:  new(big.Int).Set(chainID),
		Contract: contract,
	}
}

// TypedData 构造 eth_signTypedData_v4 所需的完整结构。
func (a Authorization) TypedData() apitypes.TypedData {
	primaryType := loanPrimaryType
	if a.Kind == KindDeposit {
		primaryType = depositPrimaryType
	}
	fields := []apitypes.Type{
		{Name: "user", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			primaryType: fields,
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           (*math.HexOrDecimal256)(a.ChainID),
			VerifyingContract: a.Contract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"user":     a.User.Hex(),
			"amount":   a.Amount.String(),
			"nonce":    a.Nonce.String(),
			"deadline": a.Deadline.String(),
		},
	}
}

// Digest 返回最终参与 ECDSA 的 32 字节摘要。
func (a Authorization) Digest() ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(a.TypedData())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignatureMalformed, err, "无法计算授权摘要")
	}
	return digest, nil
}

// RecoverSigner 从签名恢复地址。接受钱包常见的 v∈{27,28} 与规范化的 v∈{0,1}。
func (a Authorization) RecoverSigner(signatureHex string) (common.Address, error) {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return common.Address{}, err
	}
	digest, err := a.Digest()
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeSignatureMalformed, err, "签名无法恢复公钥")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify 完整校验一份回传签名：
//  1. 签名格式与可恢复性；
//  2. 恢复出的签名人必须等于授权中的用户地址；
//  3. 截止时间未过；
//  4. nonce 与合约当前值严格相等，小于视为已消耗，大于视为超前。
func (p *Protocol) Verify(a Authorization, signatureHex string, currentNonce *big.Int) error {
	signer, err := a.RecoverSigner(signatureHex)
	if err != nil {
		return err
	}
	if signer != a.User {
		return xerrors.New(xerrors.CodeSignerMismatch, "",
			xerrors.WithMetadata("expected", a.User.Hex()),
			xerrors.WithMetadata("recovered", signer.Hex()))
	}
	// 到点即失效：now == deadline 也拒绝。
	if a.Deadline.Int64() <= p.now().Unix() {
		return xerrors.New(xerrors.CodeDeadlineExpired, "",
			xerrors.WithMetadata("deadline", a.Deadline.String()))
	}
	switch a.Nonce.Cmp(currentNonce) {
	case -1:
		return xerrors.New(xerrors.CodeNonceConsumed, "",
			xerrors.WithMetadata("signed", a.Nonce.String()),
			xerrors.WithMetadata("current", currentNonce.String()))
	case 1:
		return xerrors.New(xerrors.CodeNonceAhead, "",
			xerrors.WithMetadata("signed", a.Nonce.String()),
			xerrors.WithMetadata("current", currentNonce.String()))
	}
	return nil
}

// SignatureBytes 返回可直接提交给合约 ecrecover 的 65 字节签名，
// v 规范化到 {27, 28}。
func SignatureBytes(signatureHex string) ([]byte, error) {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// decodeSignature 解析 65 字节签名并把 v 规范化到 {0,1}。
func decodeSignature(signatureHex string) ([]byte, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(signatureHex), "0x")
	sig, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignatureMalformed, err, "签名不是合法十六进制")
	}
	if len(sig) != crypto.SignatureLength {
		return nil, xerrors.New(xerrors.CodeSignatureMalformed, "签名长度必须为 65 字节",
			xerrors.WithMetadata("length", strconv.Itoa(len(sig))))
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return nil, xerrors.New(xerrors.CodeSignatureMalformed, "签名恢复位非法")
	}
	return normalized, nil
}
