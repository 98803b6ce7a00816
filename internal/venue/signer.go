// signer.go - Native Go EIP-712 signing of exchange actions.
//
// The venue authenticates each exchange action by hashing its msgpack
// encoding (plus nonce and vault byte) into a connection id, then verifying
// an EIP-712 signature over a phantom Agent struct carrying that id.
package venue

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	signingChainID = 1337
	zeroAddress    = "0x0000000000000000000000000000000000000000"

	// Agent source tags: "a" for mainnet, "b" for testnet.
	agentSourceMainnet = "a"
	agentSourceTestnet = "b"
)

// Signature is the r/s/v triple the exchange endpoint expects.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// ActionSigner signs exchange actions with the operator's key.
type ActionSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	source     string
}

// NewActionSigner creates a signer from a hex private key. Pass mainnet=false
// when targeting the venue's testnet, which verifies a different agent source.
func NewActionSigner(privateKeyHex string, mainnet bool) (*ActionSigner, error) {
	key, err := crypto.HexToECDSA(stripHexPrefix(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	source := agentSourceMainnet
	if !mainnet {
		source = agentSourceTestnet
	}
	return &ActionSigner{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		source:     source,
	}, nil
}

// Address returns the signing wallet address.
func (s *ActionSigner) Address() common.Address {
	return s.address
}

// SignAction signs an action for submission with the given nonce. The action
// struct's msgpack field order must match the wire order the venue hashes.
func (s *ActionSigner) SignAction(action interface{}, nonce int64) (*Signature, error) {
	connectionID, err := actionHash(action, nonce)
	if err != nil {
		return nil, err
	}

	typedData := s.buildTypedData(connectionID)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// EIP-712 digest: keccak256("\x19\x01" || domainSeparator || messageHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	digest := crypto.Keccak256Hash(rawData)

	sig, err := crypto.Sign(digest.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Ethereum recovery ids are 27/28
	v := sig[64]
	if v < 27 {
		v += 27
	}

	return &Signature{
		R: fmt.Sprintf("0x%x", sig[:32]),
		S: fmt.Sprintf("0x%x", sig[32:64]),
		V: v,
	}, nil
}

// actionHash computes the connection id: keccak256 of the msgpack-encoded
// action, the big-endian nonce, and a 0x00 no-vault marker.
func actionHash(action interface{}, nonce int64) (common.Hash, error) {
	packed, err := msgpack.Marshal(action)
	if err != nil {
		return common.Hash{}, fmt.Errorf("msgpack action: %w", err)
	}

	data := make([]byte, 0, len(packed)+9)
	data = append(data, packed...)

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], uint64(nonce))
	data = append(data, nonceBytes[:]...)

	data = append(data, 0x00)

	return crypto.Keccak256Hash(data), nil
}

func (s *ActionSigner) buildTypedData(connectionID common.Hash) apitypes.TypedData {
	return apitypes.TypedData{
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
			ChainId:           math.NewHexOrDecimal256(signingChainID),
			VerifyingContract: zeroAddress,
		},
		Message: apitypes.TypedDataMessage{
			"source":       s.source,
			"connectionId": connectionID.Bytes(),
		},
	}
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
