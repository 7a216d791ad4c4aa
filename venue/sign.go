package venue

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"
)

// rsvSignature wire form Hyperliquid expects for signed actions
type rsvSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

// signL1Action signs an exchange action the Hyperliquid way: the action is
// msgpack-encoded, the nonce and vault marker are appended, the keccak of
// that becomes the connectionId of an EIP-712 Agent struct, and the Agent
// hash is signed with the wallet key. Field order in the action structs
// matters because msgpack encodes struct fields in declaration order.
func signL1Action(priv *ecdsa.PrivateKey, action interface{}, nonce uint64, isMainnet bool) (rsvSignature, error) {
	packed, err := msgpack.Marshal(action)
	if err != nil {
		return rsvSignature{}, fmt.Errorf("msgpack action: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(packed)
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	buf.Write(nonceBytes[:])
	buf.WriteByte(0x00) // no vault address

	connectionID := crypto.Keccak256(buf.Bytes())

	source := "a"
	if !isMainnet {
		source = "b"
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(1337),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutil.Encode(connectionID),
		},
	}

	digest, err := typedDataDigest(typedData)
	if err != nil {
		return rsvSignature{}, err
	}

	sig, err := crypto.Sign(digest, priv)
	if err != nil {
		return rsvSignature{}, fmt.Errorf("sign action: %w", err)
	}

	return rsvSignature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}

// typedDataDigest computes the EIP-712 signing hash
func typedDataDigest(td apitypes.TypedData) ([]byte, error) {
	domainSep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	msgHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}
	return crypto.Keccak256([]byte{0x19, 0x01}, domainSep, msgHash), nil
}

// deriveCloid maps an arbitrary client order id onto Hyperliquid's 16-byte
// hex cloid format, deterministically so retries reuse the same id
func deriveCloid(clientOrderID string) string {
	sum := crypto.Keccak256([]byte(clientOrderID))
	return hexutil.Encode(sum[:16])
}
