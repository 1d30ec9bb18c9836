// Package signature authenticates seller mutations with EIP-712 typed-data
// signatures. It is pure: no persistence, and time comes from an injected clock.
package signature

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	apperrors "grantmarket/internal/errors"
	"grantmarket/internal/validate"
)

const (
	DefaultMaxAge  = 5 * time.Minute
	DefaultMaxSkew = 30 * time.Second
)

type Verifier struct {
	MaxAge  time.Duration
	MaxSkew time.Duration
	Now     func() time.Time
}

func NewVerifier(maxAge, maxSkew time.Duration, now func() time.Time) *Verifier {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxSkew < 0 {
		maxSkew = DefaultMaxSkew
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{MaxAge: maxAge, MaxSkew: maxSkew, Now: now}
}

// TypedData builds the full EIP-712 envelope for msg, as a wallet would see it.
func TypedData(msg Message) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       Types,
		PrimaryType: msg.PrimaryType(),
		Domain: apitypes.TypedDataDomain{
			Name:    DomainName,
			Version: DomainVersion,
			ChainId: (*math.HexOrDecimal256)(big.NewInt(msg.Chain())),
		},
		Message: msg.fields(),
	}
}

// Digest returns keccak256(0x19 0x01 ‖ domainSeparator ‖ hashStruct(msg)).
func Digest(msg Message) ([]byte, error) {
	td := TypedData(msg)
	dataHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", td.PrimaryType, err)
	}
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, dataHash...)
	return crypto.Keccak256(raw), nil
}

// Verify checks that sig over msg recovers to msg.Signer() and that the nonce
// is inside the freshness window.
func (v *Verifier) Verify(msg Message, sig string) error {
	claimed, ok := validate.Address(msg.Signer())
	if !ok {
		return apperrors.New(apperrors.CodeValidation, "sellerAddress must be a 0x address")
	}
	if err := v.checkFresh(msg.NonceMillis()); err != nil {
		return err
	}

	digest, err := Digest(msg)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "message does not match schema", err)
	}
	signer, err := recoverAddress(digest, sig)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidSignature, "invalid signature", err)
	}
	if signer != common.HexToAddress(claimed) {
		return apperrors.New(apperrors.CodeInvalidSignature, "invalid signature").
			WithMetadata("recovered", strings.ToLower(signer.Hex()))
	}
	return nil
}

func (v *Verifier) checkFresh(nonce int64) error {
	now := v.Now()
	at := time.UnixMilli(nonce)
	if at.Before(now.Add(-v.MaxAge)) {
		return apperrors.Newf(apperrors.CodeSignatureExpired, "signature older than %s", v.MaxAge)
	}
	if at.After(now.Add(v.MaxSkew)) {
		return apperrors.New(apperrors.CodeInvalidTimestamp, "nonce is in the future")
	}
	return nil
}

func recoverAddress(digest []byte, sigHex string) (common.Address, error) {
	sigHex, ok := validate.Signature(sigHex)
	if !ok {
		return common.Address{}, fmt.Errorf("signature must be 0x-prefixed %d-byte hex", crypto.SignatureLength)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	v := sig[crypto.RecoveryIDOffset]
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	// homestead rules: reject high-s so a signature has one valid encoding
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("signature values out of range")
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a 0x-hex signature with v in {27, 28}, the shape wallets return.
func Sign(msg Message, key *ecdsa.PrivateKey) (string, error) {
	digest, err := Digest(msg)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
