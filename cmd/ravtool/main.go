// Package main provides the ravtool CLI: key generation, voucher signing
// and payment header inspection for operating the payment layer.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/R3E-Network/payment_layer/internal/did"
	"github.com/R3E-Network/payment_layer/internal/rav"
	"github.com/R3E-Network/payment_layer/pkg/payer"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "issue":
		err = runIssue(os.Args[2:])
	case "inspect":
		err = runInspect(os.Args[2:])
	case "channel-id":
		err = runChannelID(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: ravtool <command> [flags]

Commands:
  keygen      Generate an ed25519 key and its DID document
  issue       Sign a voucher and print the request header value
  inspect     Decode a voucher or receipt header
  channel-id  Derive a channel ID from chain and party DIDs

Run "ravtool <command> -h" for command flags.`)
}

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	didID := fs.String("did", "", "DID the document describes")
	fragment := fs.String("fragment", "key-1", "Verification method fragment")
	fs.Parse(args)

	if *didID == "" {
		return fmt.Errorf("-did is required")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	methodID := *didID + "#" + *fragment
	doc := did.Document{
		ID: *didID,
		VerificationMethod: []did.VerificationMethod{{
			ID:                 methodID,
			Type:               did.KeyTypeEd25519,
			Controller:         *didID,
			PublicKeyMultibase: did.EncodeEd25519Multibase(pub),
		}},
		Authentication:       []string{methodID},
		CapabilityInvocation: []string{methodID},
	}
	docJSON, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	fmt.Printf("seed:       %s\n", hex.EncodeToString(priv.Seed()))
	fmt.Printf("public key: %s\n", hex.EncodeToString(pub))
	fmt.Printf("document:\n%s\n", docJSON)
	return nil
}

func runIssue(args []string) error {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	seedHex := fs.String("seed", "", "Payer ed25519 seed in hex (or RAVTOOL_SEED)")
	payerDID := fs.String("did", "", "Payer DID")
	fragment := fs.String("fragment", "key-1", "Verification method fragment")
	chainID := fs.Uint64("chain", 0, "Chain ID the voucher is bound to")
	channelHex := fs.String("channel", "", "Channel ID (0x hex)")
	epoch := fs.Uint64("epoch", 1, "Channel epoch")
	amount := fs.String("amount", "", "Accumulated amount (decimal)")
	nonce := fs.Uint64("nonce", 1, "Voucher nonce")
	fs.Parse(args)

	seed := *seedHex
	if seed == "" {
		seed = os.Getenv("RAVTOOL_SEED")
	}
	if seed == "" || *payerDID == "" || *chainID == 0 || *channelHex == "" || *amount == "" {
		return fmt.Errorf("-seed, -did, -chain, -channel and -amount are required")
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(seed, "0x"))
	if err != nil || len(raw) != ed25519.SeedSize {
		return fmt.Errorf("seed must be %d hex-encoded bytes", ed25519.SeedSize)
	}
	channelID, err := rav.ParseChannelID(*channelHex)
	if err != nil {
		return fmt.Errorf("parse channel ID: %w", err)
	}
	value, ok := new(big.Int).SetString(*amount, 10)
	if !ok || value.Sign() < 0 {
		return fmt.Errorf("amount must be a non-negative decimal")
	}

	signer := payer.Signer{
		DID:        *payerDID,
		VMFragment: *fragment,
		PrivateKey: ed25519.NewKeyFromSeed(raw),
	}
	signed, err := signer.Sign(&rav.SubRAV{
		Version:           rav.Version1,
		ChainID:           *chainID,
		ChannelID:         channelID,
		ChannelEpoch:      *epoch,
		VMIDFragment:      *fragment,
		AccumulatedAmount: value,
		Nonce:             *nonce,
	})
	if err != nil {
		return err
	}
	header, err := rav.EncodeSignedHeader(signed)
	if err != nil {
		return err
	}
	fmt.Println(header)
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	asReceipt := fs.Bool("receipt", false, "Decode as a receipt header instead of a voucher")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: ravtool inspect [-receipt] <header-value>")
	}
	value := fs.Arg(0)

	var out interface{}
	if *asReceipt {
		signed, err := rav.DecodeReceiptHeader(value)
		if err != nil {
			return err
		}
		out = receiptView(signed)
	} else {
		signed, err := rav.DecodeSignedHeader(value)
		if err != nil {
			return err
		}
		out = voucherView(signed)
	}

	rendered, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(rendered))
	return nil
}

func runChannelID(args []string) error {
	fs := flag.NewFlagSet("channel-id", flag.ExitOnError)
	chainID := fs.Uint64("chain", 0, "Chain ID")
	payerDID := fs.String("payer", "", "Payer DID")
	payeeDID := fs.String("payee", "", "Payee DID")
	fs.Parse(args)

	if *chainID == 0 || *payerDID == "" || *payeeDID == "" {
		return fmt.Errorf("-chain, -payer and -payee are required")
	}
	fmt.Println(rav.DeriveChannelID(*chainID, *payerDID, *payeeDID).String())
	return nil
}

func voucherView(signed *rav.SignedSubRAV) map[string]interface{} {
	return map[string]interface{}{
		"version":            signed.Version,
		"chain_id":           signed.ChainID,
		"channel_id":         signed.ChannelID.String(),
		"channel_epoch":      signed.ChannelEpoch,
		"vm_id_fragment":     signed.VMIDFragment,
		"accumulated_amount": signed.Amount().String(),
		"nonce":              signed.Nonce,
		"signature":          hex.EncodeToString(signed.Signature),
	}
}

func receiptView(signed *rav.SignedReceipt) map[string]interface{} {
	return map[string]interface{}{
		"version":            signed.Version,
		"chain_id":           signed.ChainID,
		"channel_id":         signed.ChannelID.String(),
		"channel_epoch":      signed.ChannelEpoch,
		"vm_id_fragment":     signed.VMIDFragment,
		"accumulated_amount": signed.AccumulatedAmount().String(),
		"nonce":              signed.Nonce,
		"amount_debited":     signed.Debited().String(),
		"service_tx_ref":     signed.ServiceTxRef,
		"error_code":         signed.ErrorCode,
		"message":            signed.Message,
		"accepted":           signed.Accepted(),
		"signature":          hex.EncodeToString(signed.Signature),
	}
}
