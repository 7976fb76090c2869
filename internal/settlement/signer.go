package settlement

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignerRegistry maps wallet addresses to the keys that sign on their behalf.
type SignerRegistry struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

func NewSignerRegistry() *SignerRegistry {
	return &SignerRegistry{keys: make(map[common.Address]*ecdsa.PrivateKey)}
}

// Register adds key and returns the address it controls.
func (r *SignerRegistry) Register(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	r.mu.Lock()
	r.keys[addr] = key
	r.mu.Unlock()
	return addr
}

// LoadHexKeys registers a comma-separated list of hex-encoded secp256k1 keys.
func (r *SignerRegistry) LoadHexKeys(csv string) (int, error) {
	n := 0
	for _, raw := range strings.Split(csv, ",") {
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if raw == "" {
			continue
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return n, fmt.Errorf("parse signer key %d: %w", n, err)
		}
		r.Register(key)
		n++
	}
	return n, nil
}

// LoadKeystoreDir decrypts every v3 keystore file in dir with passphrase.
func (r *SignerRegistry) LoadKeystoreDir(dir, passphrase string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read keystore dir: %w", err)
	}
	n := 0
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		blob, err := os.ReadFile(path)
		if err != nil {
			return n, fmt.Errorf("read %s: %w", path, err)
		}
		key, err := keystore.DecryptKey(blob, passphrase)
		if err != nil {
			return n, fmt.Errorf("decrypt %s: %w", path, err)
		}
		r.Register(key.PrivateKey)
		n++
	}
	return n, nil
}

// Lookup resolves a hex address to its signing key.
func (r *SignerRegistry) Lookup(address string) (common.Address, *ecdsa.PrivateKey, error) {
	if !common.IsHexAddress(address) {
		return common.Address{}, nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	addr := common.HexToAddress(address)
	r.mu.RLock()
	key, ok := r.keys[addr]
	r.mu.RUnlock()
	if !ok {
		return addr, nil, fmt.Errorf("%w: %s", ErrUnknownSigner, addr.Hex())
	}
	return addr, key, nil
}

// Len returns the number of registered signers.
func (r *SignerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
