package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeSystemMarginVault
	SubTypeSystemSwapPool
	SubTypeSystemFees
	SubTypeSystemInsuranceFund

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps margin token symbols to numeric IDs
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
		"USDT": 2,
		"DAI":  3,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
		2: "USDT",
		3: "DAI",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// WalletAccount is a trader's or liquidator's free balance.
func WalletAccount(owner uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  SubTypeWallet,
		AssetID:  assetID,
	}
}

func systemAccount(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// MarginVaultAccount holds the collateral of every open position.
func MarginVaultAccount(assetID AssetID) AccountKey {
	return systemAccount("vault", SubTypeSystemMarginVault, assetID)
}

// SwapPoolAccount is the counterparty to realized swap PnL.
func SwapPoolAccount(assetID AssetID) AccountKey {
	return systemAccount("pool", SubTypeSystemSwapPool, assetID)
}

// FeeAccount accrues net protocol liquidation fees.
func FeeAccount(assetID AssetID) AccountKey {
	return systemAccount("fees", SubTypeSystemFees, assetID)
}

// InsuranceFundAccount backs shortfalls on bankrupt closes.
func InsuranceFundAccount(assetID AssetID) AccountKey {
	return systemAccount("insurance", SubTypeSystemInsuranceFund, assetID)
}

// ExternalAccount is the boundary of the ledger; its balance may go negative.
func ExternalAccount(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// MayOverdraw reports whether the account is allowed a negative balance.
func (k AccountKey) MayOverdraw() bool {
	return k.Scope == AccountScopeExternal
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeSystemMarginVault:
		return "margin_vault"
	case SubTypeSystemSwapPool:
		return "swap_pool"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeSystemInsuranceFund:
		return "insurance_fund"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

var (
	systemNames = map[AccountSubType]string{
		SubTypeSystemMarginVault:   "vault",
		SubTypeSystemSwapPool:      "pool",
		SubTypeSystemFees:          "fees",
		SubTypeSystemInsuranceFund: "insurance",
	}
	subTypesByName = map[string]AccountSubType{
		"wallet":         SubTypeWallet,
		"margin_vault":   SubTypeSystemMarginVault,
		"swap_pool":      SubTypeSystemSwapPool,
		"fees":           SubTypeSystemFees,
		"insurance_fund": SubTypeSystemInsuranceFund,
		"deposits":       SubTypeExternalDeposits,
		"withdrawals":    SubTypeExternalWithdrawals,
	}
)

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	asset := func(name string) (AssetID, error) {
		id, ok := GetAssetID(name)
		if !ok {
			return 0, fmt.Errorf("account %q: unknown asset %q", path, name)
		}
		return id, nil
	}

	switch {
	case len(parts) == 4 && parts[0] == "user" && parts[2] == "wallet":
		owner, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account %q: %w", path, err)
		}
		id, err := asset(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return WalletAccount(owner, id), nil

	case len(parts) == 3 && (parts[0] == "system" || parts[0] == "external"):
		subType, ok := subTypesByName[parts[1]]
		if !ok {
			return AccountKey{}, fmt.Errorf("account %q: unknown sub-type %q", path, parts[1])
		}
		id, err := asset(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		if parts[0] == "external" {
			return ExternalAccount(subType, id), nil
		}
		name, ok := systemNames[subType]
		if !ok {
			return AccountKey{}, fmt.Errorf("account %q: %s is not a system account", path, parts[1])
		}
		return systemAccount(name, subType, id), nil
	}
	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}
