// Package pkcs11signer implements the pkcs11 signing provider: keys held
// on a local PKCS#11 hardware security module or USB smartcard token,
// addressed by per-wallet slot label. This is the "future hardware wallet
// support" arcsign's chainadapter.HardwareWalletKeySource stubs out
// (it returns ERR_NOT_SUPPORTED unconditionally); this provider completes
// that stub for the one hardware path this module actually supports: a
// local PKCS#11 module, not a USB-HID Ledger/Trezor transport.
//
// github.com/SonarBeserk/gousbdrivedetector — arcsign's USB storage
// device enumerator (internal/services/storage/usb.go) — is repurposed
// here as a diagnostic: if the configured module_path does not exist, this
// package lists attached USB storage devices so an operator can see
// whether the token is even plugged in, since PKCS#11 itself gives no
// useful error for "device not present" versus "module misconfigured".
package pkcs11signer

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	usbdrivedetector "github.com/SonarBeserk/gousbdrivedetector"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/miekg/pkcs11"

	"github.com/relayforge/evmrelay/internal/relayerr"
)

// Config is the provider's resolved configuration.
type Config struct {
	ModulePath string
	PIN        string
	Slots      map[uint32]string // wallet_index -> slot label
}

// Provider is the pkcs11 Signer implementation. Each relayer's key stays
// on the token; SignDigest opens a session against the relayer's slot for
// the duration of the call and logs out afterward, since PKCS#11 sessions
// are not safe to hold open indefinitely across concurrent relayer
// workers on most token firmware.
type Provider struct {
	ctx   *pkcs11.Ctx
	pin   string
	slots map[uint32]string

	mu        sync.RWMutex
	addresses map[uint32]common.Address
	pubkeys   map[uint32]*ecdsaPub
}

type ecdsaPub struct {
	x, y *big.Int
}

// New loads and initializes the PKCS#11 module at cfg.ModulePath. Slot
// labels are not checked here: each session resolves its label to a slot
// id, so a missing token is reported on first use.
func New(cfg Config) (*Provider, error) {
	if cfg.ModulePath == "" {
		return nil, relayerr.Validation("ERR_CONFIG_SIGNING", "pkcs11.module_path is required")
	}
	if _, err := os.Stat(cfg.ModulePath); err != nil {
		return nil, diagnoseMissingModule(cfg.ModulePath, err)
	}

	p11ctx := pkcs11.New(cfg.ModulePath)
	if p11ctx == nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_PKCS11_LOAD", fmt.Sprintf("failed to load PKCS#11 module %s", cfg.ModulePath), nil)
	}
	if err := p11ctx.Initialize(); err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGNER_PKCS11_INIT", "PKCS#11 module initialization failed", err)
	}

	return &Provider{
		ctx:       p11ctx,
		pin:       cfg.PIN,
		slots:     cfg.Slots,
		addresses: make(map[uint32]common.Address),
		pubkeys:   make(map[uint32]*ecdsaPub),
	}, nil
}

// diagnoseMissingModule enriches a missing-module-path error with a USB
// storage device listing, to distinguish "token unplugged" from "wrong
// path configured" at a glance.
func diagnoseMissingModule(path string, statErr error) error {
	devices, usbErr := usbdrivedetector.Detect()
	if usbErr != nil || len(devices) == 0 {
		return relayerr.Validation("ERR_CONFIG_SIGNING",
			fmt.Sprintf("pkcs11.module_path %s not found and no USB storage devices are attached (is the token plugged in?): %v", path, statErr))
	}
	return relayerr.Validation("ERR_CONFIG_SIGNING",
		fmt.Sprintf("pkcs11.module_path %s not found; attached USB devices: %s", path, strings.Join(devices, ", ")))
}

func (p *Provider) findSlot(label string) (uint, error) {
	slots, err := p.ctx.GetSlotList(true)
	if err != nil {
		return 0, relayerr.ProviderTransient("ERR_SIGNER_PKCS11_SLOTS", "failed to list PKCS#11 slots", err)
	}
	for _, slot := range slots {
		info, err := p.ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if strings.TrimRight(info.Label, " \x00") == label {
			return slot, nil
		}
	}
	return 0, relayerr.NotFound("ERR_SIGNER_PKCS11_SLOT_NOT_FOUND", fmt.Sprintf("no PKCS#11 slot with label %q", label))
}

// session opens a logged-in read-write session against walletIndex's slot
// and returns a close func the caller must invoke.
func (p *Provider) session(walletIndex uint32) (pkcs11.SessionHandle, func(), error) {
	label, ok := p.slots[walletIndex]
	if !ok {
		return 0, nil, relayerr.NotFound("ERR_SIGNER_UNKNOWN_WALLET", fmt.Sprintf("no PKCS#11 slot configured for wallet_index %d", walletIndex))
	}
	slot, err := p.findSlot(label)
	if err != nil {
		return 0, nil, err
	}
	session, err := p.ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return 0, nil, relayerr.ProviderTransient("ERR_SIGNER_PKCS11_SESSION", "failed to open PKCS#11 session", err)
	}
	if err := p.ctx.Login(session, pkcs11.CKU_USER, p.pin); err != nil {
		p.ctx.CloseSession(session)
		return 0, nil, relayerr.ProviderFatal("ERR_SIGNER_PKCS11_LOGIN", "PKCS#11 login failed", err)
	}
	closeFn := func() {
		p.ctx.Logout(session)
		p.ctx.CloseSession(session)
	}
	return session, closeFn, nil
}

func (p *Provider) findECPrivateKey(session pkcs11.SessionHandle) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
	}
	if err := p.ctx.FindObjectsInit(session, template); err != nil {
		return 0, relayerr.ProviderTransient("ERR_SIGNER_PKCS11_FIND", "FindObjectsInit failed", err)
	}
	defer p.ctx.FindObjectsFinal(session)

	objs, _, err := p.ctx.FindObjects(session, 1)
	if err != nil {
		return 0, relayerr.ProviderTransient("ERR_SIGNER_PKCS11_FIND", "FindObjects failed", err)
	}
	if len(objs) == 0 {
		return 0, relayerr.NotFound("ERR_SIGNER_PKCS11_FIND", "no EC private key object found on token")
	}
	return objs[0], nil
}

func (p *Provider) findECPublicKey(session pkcs11.SessionHandle) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_EC),
	}
	if err := p.ctx.FindObjectsInit(session, template); err != nil {
		return 0, relayerr.ProviderTransient("ERR_SIGNER_PKCS11_FIND", "FindObjectsInit failed", err)
	}
	defer p.ctx.FindObjectsFinal(session)

	objs, _, err := p.ctx.FindObjects(session, 1)
	if err != nil {
		return 0, relayerr.ProviderTransient("ERR_SIGNER_PKCS11_FIND", "FindObjects failed", err)
	}
	if len(objs) == 0 {
		return 0, relayerr.NotFound("ERR_SIGNER_PKCS11_FIND", "no EC public key object found on token")
	}
	return objs[0], nil
}

func (p *Provider) Address(ctx context.Context, walletIndex uint32) (common.Address, error) {
	p.mu.RLock()
	if addr, ok := p.addresses[walletIndex]; ok {
		p.mu.RUnlock()
		return addr, nil
	}
	p.mu.RUnlock()

	session, closeFn, err := p.session(walletIndex)
	if err != nil {
		return common.Address{}, err
	}
	defer closeFn()

	pubHandle, err := p.findECPublicKey(session)
	if err != nil {
		return common.Address{}, err
	}
	attrs, err := p.ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil || len(attrs) == 0 {
		return common.Address{}, relayerr.ProviderFatal("ERR_SIGNER_PKCS11_PUBKEY", "failed to read EC point from token", err)
	}

	pubKey, err := crypto.UnmarshalPubkey(decodeECPoint(attrs[0].Value))
	if err != nil {
		return common.Address{}, relayerr.ProviderFatal("ERR_SIGNER_PKCS11_PUBKEY", "failed to parse EC point as secp256k1 public key", err)
	}
	addr := crypto.PubkeyToAddress(*pubKey)

	p.mu.Lock()
	p.addresses[walletIndex] = addr
	p.mu.Unlock()
	return addr, nil
}

// decodeECPoint strips the DER OCTET STRING wrapper tokens commonly place
// around CKA_EC_POINT, returning the raw 0x04||X||Y uncompressed point.
func decodeECPoint(raw []byte) []byte {
	if len(raw) > 2 && raw[0] == 0x04 && int(raw[1]) == len(raw)-2 {
		return raw[2:]
	}
	return raw
}

func (p *Provider) SignDigest(ctx context.Context, walletIndex uint32, digest [32]byte) ([65]byte, error) {
	session, closeFn, err := p.session(walletIndex)
	if err != nil {
		return [65]byte{}, err
	}
	defer closeFn()

	privHandle, err := p.findECPrivateKey(session)
	if err != nil {
		return [65]byte{}, err
	}

	mechanism := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	if err := p.ctx.SignInit(session, mechanism, privHandle); err != nil {
		return [65]byte{}, relayerr.ProviderTransient("ERR_SIGNER_PKCS11_SIGN", "SignInit failed", err)
	}
	rawSig, err := p.ctx.Sign(session, digest[:])
	if err != nil {
		return [65]byte{}, relayerr.ProviderTransient("ERR_SIGNER_PKCS11_SIGN", "Sign failed", err)
	}
	if len(rawSig) != 64 {
		return [65]byte{}, relayerr.ProviderFatal("ERR_SIGNER_PKCS11_SIGN", fmt.Sprintf("unexpected PKCS#11 signature length %d, want 64 (raw r||s)", len(rawSig)), nil)
	}

	addr, err := p.Address(ctx, walletIndex)
	if err != nil {
		return [65]byte{}, err
	}

	var sig65 [65]byte
	copy(sig65[:64], rawSig)
	recID, err := recoverID(digest, rawSig, addr)
	if err != nil {
		return [65]byte{}, err
	}
	sig65[64] = recID
	return sig65, nil
}

func recoverID(digest [32]byte, rawSig []byte, expected common.Address) (byte, error) {
	sig := make([]byte, 65)
	copy(sig, rawSig)
	for v := byte(0); v < 2; v++ {
		sig[64] = v
		pub, err := crypto.SigToPub(digest[:], sig)
		if err != nil {
			continue
		}
		if crypto.PubkeyToAddress(*pub) == expected {
			return v, nil
		}
	}
	return 0, relayerr.ProviderFatal("ERR_SIGNER_PKCS11_RECOVERY", "failed to determine signature recovery id from PKCS#11 signature", nil)
}

func (p *Provider) SignPersonal(ctx context.Context, walletIndex uint32, message []byte) ([]byte, error) {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	hash := crypto.Keccak256Hash(append([]byte(prefix), message...))
	sig, err := p.SignDigest(ctx, walletIndex, hash)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 65)
	copy(out, sig[:])
	out[64] += 27
	return out, nil
}

func (p *Provider) SignTypedData(ctx context.Context, walletIndex uint32, typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, relayerr.Validation("ERR_TYPED_DATA", fmt.Sprintf("hash domain: %v", err))
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, relayerr.Validation("ERR_TYPED_DATA", fmt.Sprintf("hash message: %v", err))
	}
	rawData := fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash))
	hash := crypto.Keccak256Hash([]byte(rawData))
	sig, err := p.SignDigest(ctx, walletIndex, hash)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 65)
	copy(out, sig[:])
	out[64] += 27
	return out, nil
}

func (p *Provider) SignTransaction(ctx context.Context, walletIndex uint32, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signer := types.NewLondonSigner(chainID)
	hash := signer.Hash(tx)

	sig, err := p.SignDigest(ctx, walletIndex, hash)
	if err != nil {
		return nil, err
	}
	signedTx, err := tx.WithSignature(signer, sig[:])
	if err != nil {
		return nil, relayerr.ProviderFatal("ERR_SIGN_APPLY", "failed to apply PKCS#11 signature to transaction", err)
	}
	return signedTx, nil
}
