package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	maascrypto "github.com/uhyunpark/hyperlicked/pkg/crypto"
)

// Transport is the narrow JSON-RPC surface the submitter and watcher
// goroutines depend on (spec.md §6.2). Abstracting it behind an interface
// keeps client.go testable without a live endpoint, the same way the
// teacher hides its block store and application layers behind narrow
// interfaces rather than concrete types.
type Transport interface {
	ChainID(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (uint64, error)
	NonceAt(ctx context.Context) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SendRawCall(ctx context.Context, call Call, nonce, gasPrice uint64) (txHash string, err error)
	ReceiptByHash(ctx context.Context, txHash string) (receipt TxReceipt, found bool, err error)
	Close()
}

// TxReceipt is the subset of a JSON-RPC receipt the watcher needs.
type TxReceipt struct {
	BlockNumber uint64
	Success     bool
	GasUsed     uint64
}

// rpcTransport wraps go-ethereum's generic JSON-RPC client. Method names
// follow the standard eth_ namespace the contract-backed endpoint exposes;
// submit(call) is relayed through eth_sendTransaction carrying the encoded
// params plus an EIP-712 typed-data signature over them, since the
// contract ABI itself is explicitly out of scope (spec.md §6.2: "specified
// only by the call surface the blockchain interface relies on").
type rpcTransport struct {
	client  *rpc.Client
	fromHex string
	signer  *maascrypto.Signer
	domain  maascrypto.EIP712Domain
}

// Dial connects to rpcUrl and derives the sending account from
// signingKeyHex via the teacher's ECDSA Signer, the way the teacher never
// embeds a raw client without first failing fast on an unreachable
// endpoint or an unusable key.
func Dial(ctx context.Context, rpcURL, signingKeyHex string) (*rpcTransport, error) {
	client, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc endpoint: %w", err)
	}
	signer, err := maascrypto.FromPrivateKeyHex(signingKeyHex)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &rpcTransport{client: client, fromHex: signer.Address().Hex(), signer: signer, domain: maascrypto.DefaultDomain()}, nil
}

func (t *rpcTransport) ChainID(ctx context.Context) (uint64, error) {
	var hexID string
	if err := t.client.CallContext(ctx, &hexID, "eth_chainId"); err != nil {
		return 0, err
	}
	id, ok := new(big.Int).SetString(trimHex(hexID), 16)
	if !ok {
		return 0, fmt.Errorf("malformed chainId %q", hexID)
	}
	return id.Uint64(), nil
}

func (t *rpcTransport) SuggestGasPrice(ctx context.Context) (uint64, error) {
	var hexPrice string
	if err := t.client.CallContext(ctx, &hexPrice, "eth_gasPrice"); err != nil {
		return 0, err
	}
	price, ok := new(big.Int).SetString(trimHex(hexPrice), 16)
	if !ok {
		return 0, fmt.Errorf("malformed gasPrice %q", hexPrice)
	}
	return price.Uint64(), nil
}

func (t *rpcTransport) NonceAt(ctx context.Context) (uint64, error) {
	var hexNonce string
	if err := t.client.CallContext(ctx, &hexNonce, "eth_getTransactionCount", t.fromHex, "pending"); err != nil {
		return 0, err
	}
	n, ok := new(big.Int).SetString(trimHex(hexNonce), 16)
	if !ok {
		return 0, fmt.Errorf("malformed nonce %q", hexNonce)
	}
	return n.Uint64(), nil
}

func (t *rpcTransport) SendRawCall(ctx context.Context, call Call, nonce, gasPrice uint64) (string, error) {
	typedCall := &maascrypto.LedgerCall{
		From:     t.signer.Address(),
		Method:   call.Method,
		DataHash: crypto.Keccak256Hash(call.EncodedParams),
		Nonce:    new(big.Int).SetUint64(nonce),
		Gas:      new(big.Int).SetUint64(call.GasLimit),
		GasPrice: new(big.Int).SetUint64(gasPrice),
	}
	sig, err := t.signer.SignLedgerCall(t.domain, typedCall)
	if err != nil {
		return "", fmt.Errorf("sign call: %w", err)
	}

	var txHash string
	params := map[string]interface{}{
		"from":      t.fromHex,
		"method":    call.Method,
		"data":      call.EncodedParams,
		"nonce":     fmt.Sprintf("0x%x", nonce),
		"gas":       fmt.Sprintf("0x%x", call.GasLimit),
		"gasPrice":  fmt.Sprintf("0x%x", gasPrice),
		"signature": fmt.Sprintf("0x%x", sig),
	}
	if err := t.client.CallContext(ctx, &txHash, "eth_sendTransaction", params); err != nil {
		return "", err
	}
	return txHash, nil
}

func (t *rpcTransport) BlockNumber(ctx context.Context) (uint64, error) {
	var hexNum string
	if err := t.client.CallContext(ctx, &hexNum, "eth_blockNumber"); err != nil {
		return 0, err
	}
	n, ok := new(big.Int).SetString(trimHex(hexNum), 16)
	if !ok {
		return 0, fmt.Errorf("malformed blockNumber %q", hexNum)
	}
	return n.Uint64(), nil
}

type ethReceipt struct {
	BlockNumber string `json:"blockNumber"`
	Status      string `json:"status"`
	GasUsed     string `json:"gasUsed"`
}

func (t *rpcTransport) ReceiptByHash(ctx context.Context, txHash string) (TxReceipt, bool, error) {
	var raw *ethReceipt
	if err := t.client.CallContext(ctx, &raw, "eth_getTransactionReceipt", txHash); err != nil {
		return TxReceipt{}, false, err
	}
	if raw == nil {
		return TxReceipt{}, false, nil
	}

	bn, _ := new(big.Int).SetString(trimHex(raw.BlockNumber), 16)
	gu, _ := new(big.Int).SetString(trimHex(raw.GasUsed), 16)
	return TxReceipt{BlockNumber: bn.Uint64(), Success: raw.Status == "0x1", GasUsed: gu.Uint64()}, true, nil
}

func (t *rpcTransport) Close() { t.client.Close() }

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
