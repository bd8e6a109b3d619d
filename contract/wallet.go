package contract

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Wallet signs transactions for one account. SignTx may block on an external
// approval and must return once ctx is done.
type Wallet interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// WalletSource resolves the wallet for an address.
type WalletSource interface {
	Wallet(ctx context.Context, address common.Address) (Wallet, error)
}

// PassphraseFunc returns the keystore passphrase.
type PassphraseFunc func() (string, error)

// KeystoreWallets serves custodial wallets from an encrypted keystore directory.
type KeystoreWallets struct {
	ks         *keystore.KeyStore
	passphrase PassphraseFunc
}

// NewKeystoreWallets opens dir as a v3 keystore.
func NewKeystoreWallets(dir string, passphrase PassphraseFunc) (*KeystoreWallets, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("keystore directory required")
	}
	if passphrase == nil {
		return nil, fmt.Errorf("keystore passphrase source required")
	}
	return &KeystoreWallets{
		ks:         keystore.NewKeyStore(trimmed, keystore.StandardScryptN, keystore.StandardScryptP),
		passphrase: passphrase,
	}, nil
}

// Accounts lists the addresses held in the keystore.
func (k *KeystoreWallets) Accounts() []common.Address {
	accs := k.ks.Accounts()
	out := make([]common.Address, 0, len(accs))
	for _, acc := range accs {
		out = append(out, acc.Address)
	}
	return out
}

func (k *KeystoreWallets) Wallet(ctx context.Context, address common.Address) (Wallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	account, err := k.ks.Find(accounts.Account{Address: address})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, address.Hex())
	}
	return &keystoreWallet{ks: k.ks, account: account, passphrase: k.passphrase}, nil
}

type keystoreWallet struct {
	ks         *keystore.KeyStore
	account    accounts.Account
	passphrase PassphraseFunc
}

func (w *keystoreWallet) Address() common.Address { return w.account.Address }

func (w *keystoreWallet) SignTx(ctx context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pass, err := w.passphrase()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	signed, err := w.ks.SignTxWithPassphrase(w.account, pass, tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return signed, nil
}
