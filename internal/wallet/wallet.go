// Package wallet signs the two vote submission shapes the Vote Executor
// produces: an EIP-712 typed-structured Snapshot vote message for the EOA
// path, and an ABI-encoded Safe governor transaction for the Safe path.
// Both share the process identity's ECDSA private key.
package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Identity wraps the process's single controlling private key.
type Identity struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewIdentity loads the private key from a hex string (with or without the
// 0x prefix), matching the wallet config's resolved signer_key value.
func NewIdentity(hexKey string) (*Identity, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode signer key: %w", err)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse signer key: %w", err)
	}
	return &Identity{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the identity's Ethereum address.
func (id *Identity) Address() common.Address {
	return id.address
}

// snapshotDomainName/Version/snapshotPrimaryType fix the EIP-712 domain
// separator used by the Snapshot vote message.
const (
	snapshotDomainName    = "snapshot"
	snapshotDomainVersion = "0.1.4"
	snapshotPrimaryType   = "Vote"
)

// VoteMessage is the typed-structured data signed for the EOA path.
type VoteMessage struct {
	From       common.Address
	Space      string
	Timestamp  int64
	ProposalID string
	Choice     int
	Metadata   string
}

// proposalIDIsHash reports whether id should be encoded as a 32-byte hash
// field rather than a plain string in the typed message. Decision recorded
// in DESIGN.md: a 0x-prefixed 64 hex character value is treated as
// bytes32; anything else is a plain string.
func proposalIDIsHash(id string) bool {
	if !strings.HasPrefix(id, "0x") {
		return false
	}
	trimmed := strings.TrimPrefix(id, "0x")
	if len(trimmed) != 64 {
		return false
	}
	_, err := hex.DecodeString(trimmed)
	return err == nil
}

// TypedData builds the EIP-712 payload for msg.
func (msg VoteMessage) TypedData() apitypes.TypedData {
	proposalType := "string"
	var proposalValue any = msg.ProposalID
	if proposalIDIsHash(msg.ProposalID) {
		proposalType = "bytes32"
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
			},
			snapshotPrimaryType: []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "space", Type: "string"},
				{Name: "timestamp", Type: "uint64"},
				{Name: "proposal", Type: proposalType},
				{Name: "choice", Type: "uint32"},
				{Name: "metadata", Type: "string"},
			},
		},
		PrimaryType: snapshotPrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:    snapshotDomainName,
			Version: snapshotDomainVersion,
		},
		Message: apitypes.TypedDataMessage{
			"from":      msg.From.Hex(),
			"space":     msg.Space,
			"timestamp": fmt.Sprintf("%d", msg.Timestamp),
			"proposal":  proposalValue,
			"choice":    fmt.Sprintf("%d", msg.Choice),
			"metadata":  msg.Metadata,
		},
	}
}

// eip712Digest computes the keccak256("\x19\x01" || domainSeparator ||
// structHash) digest for typedData.
func eip712Digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("wallet: hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("wallet: hash message: %w", err)
	}
	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, structHash), nil
}

// SignVote signs msg's EIP-712 digest and returns the 65-byte signature,
// with the recovery id normalized to the 27/28 convention.
func (id *Identity) SignVote(msg VoteMessage) ([]byte, error) {
	digest, err := eip712Digest(msg.TypedData())
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, id.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign digest: %w", err)
	}
	normalizeRecoveryID(sig)
	return sig, nil
}

func normalizeRecoveryID(sig []byte) {
	if len(sig) == 65 && sig[64] < 27 {
		sig[64] += 27
	}
}

// castVoteArgs is the minimal ABI fragment for the governor's castVote
// function used by the Safe path.
var castVoteArgs = abi.Arguments{
	{Type: mustType("uint256")},
	{Type: mustType("uint8")},
	{Type: mustType("string")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var castVoteSelector = crypto.Keccak256([]byte("castVote(uint256,uint8,string)"))[:4]

// EncodeCastVote ABI-encodes a castVote(proposalId, support, reason) call.
func EncodeCastVote(proposalID *big.Int, support uint8, reason string) ([]byte, error) {
	packed, err := castVoteArgs.Pack(proposalID, support, reason)
	if err != nil {
		return nil, fmt.Errorf("wallet: pack castVote: %w", err)
	}
	data := make([]byte, 0, len(castVoteSelector)+len(packed))
	data = append(data, castVoteSelector...)
	data = append(data, packed...)
	return data, nil
}

// SafeTransaction is the unsigned shape submitted to the Safe transaction
// service.
type SafeTransaction struct {
	Safe           common.Address
	To             common.Address
	Value          string
	Data           []byte
	Operation      int
	SafeTxGas      string
	BaseGas        string
	GasPrice       string
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          uint64
}

// SignSafeTransaction computes the Safe contractTransactionHash and signs
// it, returning both the hash and the 65-byte signature.
func (id *Identity) SignSafeTransaction(tx SafeTransaction, chainID uint64) (hash []byte, signature []byte, err error) {
	hash = safeTransactionHash(tx, chainID)
	signature, err = crypto.Sign(hash, id.key)
	if err != nil {
		return nil, nil, fmt.Errorf("wallet: sign safe transaction: %w", err)
	}
	normalizeRecoveryID(signature)
	return hash, signature, nil
}

func safeTransactionHash(tx SafeTransaction, chainID uint64) []byte {
	domain := apitypes.TypedDataDomain{
		ChainId:           math.NewHexOrDecimal256(int64(chainID)),
		VerifyingContract: tx.Safe.Hex(),
	}
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"SafeTx": []apitypes.Type{
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "operation", Type: "uint8"},
				{Name: "safeTxGas", Type: "uint256"},
				{Name: "baseGas", Type: "uint256"},
				{Name: "gasPrice", Type: "uint256"},
				{Name: "gasToken", Type: "address"},
				{Name: "refundReceiver", Type: "address"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "SafeTx",
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"to":             tx.To.Hex(),
			"value":          tx.Value,
			"data":           hexutil.Encode(tx.Data),
			"operation":      fmt.Sprintf("%d", tx.Operation),
			"safeTxGas":      tx.SafeTxGas,
			"baseGas":        tx.BaseGas,
			"gasPrice":       tx.GasPrice,
			"gasToken":       tx.GasToken.Hex(),
			"refundReceiver": tx.RefundReceiver.Hex(),
			"nonce":          fmt.Sprintf("%d", tx.Nonce),
		},
	}

	digest, err := eip712Digest(typedData)
	if err != nil {
		// Only reachable if the fixed type table above is malformed, which
		// would be a programming error caught immediately by tests.
		panic(err)
	}
	return digest
}
