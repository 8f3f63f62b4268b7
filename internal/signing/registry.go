package signing

import (
	"fmt"

	"github.com/relayforge/evmrelay/internal/config"
	"github.com/relayforge/evmrelay/internal/relayerr"
	"github.com/relayforge/evmrelay/internal/signing/awskms"
	"github.com/relayforge/evmrelay/internal/signing/awssecrets"
	"github.com/relayforge/evmrelay/internal/signing/custodial"
	"github.com/relayforge/evmrelay/internal/signing/gcpsecrets"
	"github.com/relayforge/evmrelay/internal/signing/localmnemonic"
	"github.com/relayforge/evmrelay/internal/signing/pkcs11signer"
	"github.com/relayforge/evmrelay/internal/signing/rawkey"
)

// BuildFromConfig resolves the single active provider variant named by
// cfg.Provider through a startup-time tagged-union dispatch, in place of
// runtime reflection or a plugin mechanism.
func BuildFromConfig(cfg config.SigningConfig) (Signer, error) {
	switch cfg.Provider {
	case "local_mnemonic":
		if cfg.LocalMnemonic == nil {
			return nil, relayerr.Validation("ERR_CONFIG_SIGNING", "signing.local_mnemonic block is required for provider local_mnemonic")
		}
		return localmnemonic.New(localmnemonic.Config{
			Mnemonic:       cfg.LocalMnemonic.Mnemonic,
			Passphrase:     cfg.LocalMnemonic.Passphrase,
			DerivationBase: cfg.LocalMnemonic.DerivationBase,
		})

	case "raw_private_keys":
		if cfg.RawPrivateKeys == nil {
			return nil, relayerr.Validation("ERR_CONFIG_SIGNING", "signing.raw_private_keys block is required for provider raw_private_keys")
		}
		return rawkey.New(cfg.RawPrivateKeys.Keys)

	case "aws_kms":
		if cfg.AWSKMS == nil {
			return nil, relayerr.Validation("ERR_CONFIG_SIGNING", "signing.aws_kms block is required for provider aws_kms")
		}
		return awskms.New(awskms.Config{Region: cfg.AWSKMS.Region, KeyIDs: cfg.AWSKMS.KeyIDs})

	case "aws_secret_manager":
		if cfg.AWSSecretsMgr == nil {
			return nil, relayerr.Validation("ERR_CONFIG_SIGNING", "signing.aws_secret_manager block is required for provider aws_secret_manager")
		}
		return awssecrets.New(awssecrets.Config{
			Region:         cfg.AWSSecretsMgr.Region,
			SecretIDs:      cfg.AWSSecretsMgr.SecretIDs,
			DerivationBase: cfg.AWSSecretsMgr.DerivationBase,
		})

	case "gcp_secret_manager":
		if cfg.GCPSecretsMgr == nil {
			return nil, relayerr.Validation("ERR_CONFIG_SIGNING", "signing.gcp_secret_manager block is required for provider gcp_secret_manager")
		}
		return gcpsecrets.New(gcpsecrets.Config{
			ProjectID:      cfg.GCPSecretsMgr.ProjectID,
			SecretNames:    cfg.GCPSecretsMgr.SecretNames,
			DerivationBase: cfg.GCPSecretsMgr.DerivationBase,
		})

	case "privy":
		return custodialFromHTTPConfig(custodial.VariantPrivy, cfg.Privy)
	case "turnkey":
		return custodialFromHTTPConfig(custodial.VariantTurnkey, cfg.Turnkey)
	case "fireblocks":
		return custodialFromHTTPConfig(custodial.VariantFireblocks, cfg.Fireblocks)

	case "pkcs11":
		if cfg.PKCS11 == nil {
			return nil, relayerr.Validation("ERR_CONFIG_SIGNING", "signing.pkcs11 block is required for provider pkcs11")
		}
		return pkcs11signer.New(pkcs11signer.Config{
			ModulePath: cfg.PKCS11.ModulePath,
			PIN:        cfg.PKCS11.PIN,
			Slots:      cfg.PKCS11.Slots,
		})

	default:
		return nil, relayerr.Validation("ERR_CONFIG_SIGNING", fmt.Sprintf("unknown signing.provider %q", cfg.Provider))
	}
}

func custodialFromHTTPConfig(variant custodial.Variant, c *config.HTTPProviderConfig) (Signer, error) {
	if c == nil {
		return nil, relayerr.Validation("ERR_CONFIG_SIGNING", fmt.Sprintf("signing.%s block is required for this provider", variant))
	}
	return custodial.New(custodial.Config{
		Variant:   variant,
		BaseURL:   c.BaseURL,
		APIKey:    c.APIKey,
		APISecret: c.APISecret,
	})
}
