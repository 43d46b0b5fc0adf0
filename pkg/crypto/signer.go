// Package crypto carries the keypair and EIP-712 typed-data signing the
// Ledger Client needs to authorize every call it submits (spec.md §6.2).
package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer holds the secp256k1 keypair a ledger.Client uses as its sending
// account: deriving its address, and signing the EIP-712 digest of every
// call it submits.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a new random secp256k1 key pair, for tests and
// local dev signers — production signing keys are always loaded from an
// environment variable via FromPrivateKeyHex (pkg/config.Manifest).
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newSigner(privateKey)
}

// FromPrivateKeyHex loads a Signer from a hex-encoded private key, the
// way ledger.Dial resolves the account backing its submitted calls.
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return newSigner(privateKey)
}

func newSigner(privateKey *ecdsa.PrivateKey) (*Signer, error) {
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cast public key to ECDSA")
	}
	return &Signer{privateKey: privateKey, address: crypto.PubkeyToAddress(*publicKeyECDSA)}, nil
}

// Address returns the address the ledger submits calls as.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign signs a 32-byte digest, returning the [R || S || V] signature.
func (s *Signer) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	signature, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signature, nil
}

// RecoverAddress recovers the address that produced signature over hash.
func RecoverAddress(hash []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if len(hash) != 32 {
		return common.Address{}, fmt.Errorf("invalid hash length: %d", len(hash))
	}
	publicKeyBytes, err := crypto.Ecrecover(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	publicKey, err := crypto.UnmarshalPubkey(publicKeyBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*publicKey), nil
}

// EIP712Domain is the typed-data domain separator, binding every signed
// ledger call to this deployment's chain so a signature cannot be
// replayed against a different one.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain returns the module's default signing domain for local
// development against an unverified off-chain endpoint.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "MaaS",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

// LedgerCall is the typed-data shape of a single call the Ledger Client
// submits (spec.md §4.A): a method name plus the hash of its encoded
// params, bound to the submitter's nonce and gas terms so neither can be
// altered after signing.
type LedgerCall struct {
	From     common.Address
	Method   string
	DataHash common.Hash // keccak256 of the call's encoded params
	Nonce    *big.Int
	Gas      *big.Int
	GasPrice *big.Int
}

var ledgerCallTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"LedgerCall": []apitypes.Type{
		{Name: "from", Type: "address"},
		{Name: "method", Type: "string"},
		{Name: "dataHash", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
		{Name: "gas", Type: "uint256"},
		{Name: "gasPrice", Type: "uint256"},
	},
}

// HashLedgerCall computes the EIP-712 digest of call under domain — the
// digest SignLedgerCall signs and VerifyLedgerCallSignature re-derives.
func HashLedgerCall(domain EIP712Domain, call *LedgerCall) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       ledgerCallTypes,
		PrimaryType: "LedgerCall",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":     call.From.Hex(),
			"method":   call.Method,
			"dataHash": call.DataHash.Hex(),
			"nonce":    call.Nonce.String(),
			"gas":      call.Gas.String(),
			"gasPrice": call.GasPrice.String(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// SignLedgerCall hashes call under domain and signs it with s's key —
// the method rpcTransport.SendRawCall calls for every submitted call.
func (s *Signer) SignLedgerCall(domain EIP712Domain, call *LedgerCall) ([]byte, error) {
	hash, err := HashLedgerCall(domain, call)
	if err != nil {
		return nil, fmt.Errorf("hash call: %w", err)
	}
	return s.Sign(hash)
}

// VerifyLedgerCallSignature reports whether signature was produced by
// call.From over call, under domain.
func VerifyLedgerCallSignature(domain EIP712Domain, call *LedgerCall, signature []byte) (bool, error) {
	hash, err := HashLedgerCall(domain, call)
	if err != nil {
		return false, fmt.Errorf("hash call: %w", err)
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("recover address: %w", err)
	}
	return recovered == call.From, nil
}
