// Package chaincode is the on-chain identity registry: a Hyperledger Fabric
// contract holding one public record per nidHash.
//
// World state layout (single namespace):
//
//	ID::<nidHash>     -> Identity JSON
//	ORD::<seq %016x>  -> nidHash, insertion order index
//	META::count       -> number of registered identities
//
// Uniqueness of nidHash relies on Fabric's MVCC read-set validation: two
// concurrent Register transactions for the same key both read ID::<nidHash>
// as absent, and the later one is invalidated at commit.
package chaincode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"

	"github.com/allsmog/zkid-go/pkg/crypto/curve"
	"github.com/allsmog/zkid-go/pkg/crypto/kdf"
)

const (
	keyIdentityPrefix = "ID::"
	keyOrderPrefix    = "ORD::"
	keyCount          = "META::count"

	eventIdentityRegistered = "IdentityRegistered"
)

var (
	ErrIdentityExists   = errors.New("identity already exists")
	ErrIdentityNotFound = errors.New("identity not found")
)

// IdentityContract exposes the registry operations to the Fabric peer.
type IdentityContract struct {
	contractapi.Contract
}

// Identity is the stored record. Times are RFC 3339 strings taken from the
// transaction timestamp so every endorsing peer writes identical bytes.
type Identity struct {
	NIDHash      string `json:"nidHash"`
	Sx           string `json:"Sx"`
	Sy           string `json:"Sy"`
	Salt         string `json:"salt"`
	Curve        string `json:"curve"`
	RegisteredAt string `json:"registeredAt"`
}

// HistoryEntry is one modification of an identity key.
type HistoryEntry struct {
	TxID      string   `json:"txId"`
	Timestamp string   `json:"timestamp"`
	Value     Identity `json:"value"`
	IsDelete  bool     `json:"isDelete"`
}

// InitLedger prepares the counter. Calling it again is a no-op.
func (c *IdentityContract) InitLedger(ctx contractapi.TransactionContextInterface) error {
	raw, err := ctx.GetStub().GetState(keyCount)
	if err != nil {
		return fmt.Errorf("failed to read world state: %w", err)
	}
	if raw != nil {
		return nil
	}
	return ctx.GetStub().PutState(keyCount, []byte("0"))
}

// Register writes a new identity. The public key is checked to be a valid
// point of the named group before anything is written.
func (c *IdentityContract) Register(ctx contractapi.TransactionContextInterface, nidHash, sx, sy, salt, curveName string) (*Identity, error) {
	nidHash = strings.TrimSpace(nidHash)
	if !kdf.IsDigestHex(nidHash) {
		return nil, fmt.Errorf("nidHash must be a hex SHA-256 digest")
	}
	if salt == "" {
		return nil, fmt.Errorf("salt is required")
	}

	crv, err := curve.FromName(curveName)
	if err != nil {
		return nil, err
	}
	if _, err := crv.DecodeCoordinates(sx, sy); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}

	stub := ctx.GetStub()
	key := keyIdentityPrefix + nidHash

	existing, err := stub.GetState(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read world state: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrIdentityExists, nidHash)
	}

	ts, err := stub.GetTxTimestamp()
	if err != nil {
		return nil, fmt.Errorf("failed to read tx timestamp: %w", err)
	}

	id := &Identity{
		NIDHash:      nidHash,
		Sx:           sx,
		Sy:           sy,
		Salt:         salt,
		Curve:        crv.Name(),
		RegisteredAt: ts.AsTime().UTC().Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}

	seq, err := c.nextSequence(ctx)
	if err != nil {
		return nil, err
	}

	if err := stub.PutState(key, raw); err != nil {
		return nil, fmt.Errorf("failed to write identity: %w", err)
	}
	if err := stub.PutState(fmt.Sprintf("%s%016x", keyOrderPrefix, seq), []byte(nidHash)); err != nil {
		return nil, fmt.Errorf("failed to write order index: %w", err)
	}

	if err := stub.SetEvent(eventIdentityRegistered, mustJSON(map[string]string{
		"nidHash": nidHash,
		"txId":    stub.GetTxID(),
	})); err != nil {
		return nil, fmt.Errorf("failed to set event: %w", err)
	}

	return id, nil
}

func (c *IdentityContract) nextSequence(ctx contractapi.TransactionContextInterface) (uint64, error) {
	stub := ctx.GetStub()
	raw, err := stub.GetState(keyCount)
	if err != nil {
		return 0, fmt.Errorf("failed to read world state: %w", err)
	}

	var n uint64
	if raw != nil {
		n, err = strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt counter %q: %w", raw, err)
		}
	}

	if err := stub.PutState(keyCount, []byte(strconv.FormatUint(n+1, 10))); err != nil {
		return 0, fmt.Errorf("failed to write counter: %w", err)
	}
	return n, nil
}

// GetUserData returns the identity registered under nidHash.
func (c *IdentityContract) GetUserData(ctx contractapi.TransactionContextInterface, nidHash string) (*Identity, error) {
	raw, err := ctx.GetStub().GetState(keyIdentityPrefix + nidHash)
	if err != nil {
		return nil, fmt.Errorf("failed to read world state: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, nidHash)
	}

	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("corrupt identity %s: %w", nidHash, err)
	}
	return &id, nil
}

// UserExists reports whether nidHash is registered.
func (c *IdentityContract) UserExists(ctx contractapi.TransactionContextInterface, nidHash string) (bool, error) {
	raw, err := ctx.GetStub().GetState(keyIdentityPrefix + nidHash)
	if err != nil {
		return false, fmt.Errorf("failed to read world state: %w", err)
	}
	return raw != nil, nil
}

// GetAllUsers lists registered nidHashes in insertion order.
func (c *IdentityContract) GetAllUsers(ctx contractapi.TransactionContextInterface) ([]string, error) {
	it, err := ctx.GetStub().GetStateByRange(keyOrderPrefix, keyOrderPrefix+"~")
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := []string{}
	for it.HasNext() {
		kv, err := it.Next()
		if err != nil {
			return nil, err
		}
		out = append(out, string(kv.Value))
	}
	return out, nil
}

// GetHistory returns every modification of nidHash, oldest first.
func (c *IdentityContract) GetHistory(ctx contractapi.TransactionContextInterface, nidHash string) ([]HistoryEntry, error) {
	it, err := ctx.GetStub().GetHistoryForKey(keyIdentityPrefix + nidHash)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := []HistoryEntry{}
	for it.HasNext() {
		mod, err := it.Next()
		if err != nil {
			return nil, err
		}

		entry := HistoryEntry{TxID: mod.TxId, IsDelete: mod.IsDelete}
		if ts := mod.GetTimestamp(); ts != nil {
			entry.Timestamp = ts.AsTime().UTC().Format(time.RFC3339Nano)
		}
		if !mod.IsDelete && len(mod.Value) > 0 {
			if err := json.Unmarshal(mod.Value, &entry.Value); err != nil {
				return nil, fmt.Errorf("corrupt history value: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Ping reports liveness with the invoking transaction id.
func (c *IdentityContract) Ping(ctx contractapi.TransactionContextInterface) (string, error) {
	return "OK:" + ctx.GetStub().GetTxID(), nil
}

func mustJSON(v any) []byte { b, _ := json.Marshal(v); return b }
