// settler-cli is a command-line client for a settlerd settler and its keystore.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-settler/config"
	"github.com/Klingon-tech/klingnet-settler/internal/keystore"
	"github.com/Klingon-tech/klingnet-settler/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-settler/pkg/certificate"
	"github.com/Klingon-tech/klingnet-settler/pkg/types"
)

// keystoreDir returns the keystore path matching settlerd's layout:
// <datadir>/<network>/keystore
func keystoreDir(dataDir, network string) string {
	return filepath.Join(dataDir, network, "keystore")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	rpcURL := "http://127.0.0.1:8555"
	dataDir := config.DefaultDataDir()
	network := "mainnet"

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	ksDir := keystoreDir(dataDir, network)
	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "key":
		cmdKey(cmdArgs, ksDir)
	case "sign":
		cmdSign(cmdArgs, ksDir)
	case "submit":
		cmdSubmit(client, cmdArgs)
	case "header":
		cmdHeader(client, cmdArgs)
	case "latest-settled":
		cmdLatest(client, cmdArgs, true)
	case "latest-pending":
		cmdLatest(client, cmdArgs, false)
	case "epoch":
		cmdEpoch(client)
	case "status":
		cmdStatus(client, cmdArgs)
	case "remove":
		cmdRemove(client, cmdArgs)
	case "version", "--version":
		fmt.Printf("settler-cli %s\n", config.Version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: settler-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8555)
  --datadir <path>    Data directory (default: ~/.klingnet-settler)
  --network <net>     mainnet (default) or testnet

Commands:
  key generate --name <n> --kind <l1-signer|sequencer>
                                  Generate and store a new key
  key import --name <n> --kind <k> --secret-file <file>
                                  Import a hex-encoded private key
  key list                        List stored keys

  sign --key <n> --in <cert.json> [--out <file>]
                                  Sign a certificate with a sequencer key
  submit <cert.json>              Submit a certificate for settlement
  header <certificate_id>         Show a certificate header
  latest-settled <network_id>     Show the last settled certificate of a network
  latest-pending <network_id>     Show the newest unsettled certificate of a network
  epoch                           Show the epoch configuration
  status [network_id]             Show network task status
  remove --network <id> --height <h>
                                  Remove a pending certificate (admin)
`)
}

// ── key ─────────────────────────────────────────────────────────────────

func cmdKey(args []string, ksDir string) {
	if len(args) < 1 {
		fatal("Usage: settler-cli key <generate|import|list>")
	}
	switch args[0] {
	case "generate":
		cmdKeyGenerate(args[1:], ksDir)
	case "import":
		cmdKeyImport(args[1:], ksDir)
	case "list":
		cmdKeyList(ksDir)
	default:
		fatal("unknown key command: %s", args[0])
	}
}

func openKeystore(ksDir string) *keystore.Keystore {
	if err := os.MkdirAll(ksDir, 0700); err != nil {
		fatal("create keystore dir: %v", err)
	}
	ks, err := keystore.New(ksDir, keystore.DefaultParams())
	if err != nil {
		fatal("open keystore: %v", err)
	}
	return ks
}

func parseKind(s string) keystore.Kind {
	switch keystore.Kind(s) {
	case keystore.KindL1Signer, keystore.KindSequencer:
		return keystore.Kind(s)
	}
	fatal("--kind must be %s or %s", keystore.KindL1Signer, keystore.KindSequencer)
	return ""
}

// newPassword asks for a password twice.
func newPassword() []byte {
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}
	return password
}

func printEntry(e *keystore.Entry) {
	fmt.Printf("Name:    %s\n", e.Name)
	fmt.Printf("Kind:    %s\n", e.Kind)
	fmt.Printf("Address: %s\n", e.Address)
}

func cmdKeyGenerate(args []string, ksDir string) {
	fs := flag.NewFlagSet("key generate", flag.ExitOnError)
	name := fs.String("name", "", "Key name")
	kind := fs.String("kind", string(keystore.KindL1Signer), "Key kind")
	fs.Parse(args)

	if *name == "" {
		fatal("Usage: settler-cli key generate --name <name> --kind <kind>")
	}
	k := parseKind(*kind)
	ks := openKeystore(ksDir)

	password := newPassword()
	entry, err := ks.Generate(*name, k, password)
	if err != nil {
		fatal("generate key: %v", err)
	}
	fmt.Println("Key generated.")
	printEntry(entry)
}

func cmdKeyImport(args []string, ksDir string) {
	fs := flag.NewFlagSet("key import", flag.ExitOnError)
	name := fs.String("name", "", "Key name")
	kind := fs.String("kind", string(keystore.KindL1Signer), "Key kind")
	secretFile := fs.String("secret-file", "", "File holding the hex-encoded private key")
	fs.Parse(args)

	if *name == "" || *secretFile == "" {
		fatal("Usage: settler-cli key import --name <name> --kind <kind> --secret-file <file>")
	}
	k := parseKind(*kind)

	data, err := os.ReadFile(*secretFile)
	if err != nil {
		fatal("read secret: %v", err)
	}
	secret, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x"))
	clear(data)
	if err != nil {
		fatal("decode secret: %v", err)
	}
	defer clear(secret)

	ks := openKeystore(ksDir)
	password := newPassword()
	entry, err := ks.Import(*name, k, secret, password)
	if err != nil {
		fatal("import key: %v", err)
	}
	fmt.Println("Key imported.")
	printEntry(entry)
}

func cmdKeyList(ksDir string) {
	ks := openKeystore(ksDir)
	entries, err := ks.List()
	if err != nil {
		fatal("list keys: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("No keys found.")
		return
	}

	fmt.Printf("%-20s %-10s %s\n", "NAME", "KIND", "ADDRESS")
	for _, e := range entries {
		fmt.Printf("%-20s %-10s %s\n", e.Name, e.Kind, e.Address)
	}
}

// ── certificates ────────────────────────────────────────────────────────

func readCertificate(path string) *certificate.Certificate {
	data, err := os.ReadFile(path)
	if err != nil {
		fatal("read certificate: %v", err)
	}
	var cert certificate.Certificate
	if err := json.Unmarshal(data, &cert); err != nil {
		fatal("parse certificate: %v", err)
	}
	return &cert
}

func cmdSign(args []string, ksDir string) {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	keyName := fs.String("key", "", "Sequencer key name")
	in := fs.String("in", "", "Certificate JSON file")
	out := fs.String("out", "", "Output file (default: overwrite --in)")
	fs.Parse(args)

	if *keyName == "" || *in == "" {
		fatal("Usage: settler-cli sign --key <name> --in <cert.json> [--out <file>]")
	}
	cert := readCertificate(*in)

	ks := openKeystore(ksDir)
	password, err := readPassword(fmt.Sprintf("Password for %s: ", *keyName))
	if err != nil {
		fatal("read password: %v", err)
	}
	key, err := ks.Sequencer(*keyName, password)
	clear(password)
	if err != nil {
		fatal("load sequencer key: %v", err)
	}
	defer key.Zero()

	if err := cert.Sign(key); err != nil {
		fatal("sign certificate: %v", err)
	}

	data, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		fatal("encode certificate: %v", err)
	}
	dst := *out
	if dst == "" {
		dst = *in
	}
	if err := os.WriteFile(dst, append(data, '\n'), 0644); err != nil {
		fatal("write certificate: %v", err)
	}
	fmt.Printf("Signed certificate %s written to %s\n", cert.ID(), dst)
}

func cmdSubmit(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: settler-cli submit <cert.json>")
	}
	cert := readCertificate(args[0])
	id, err := client.SendCertificate(cert)
	if err != nil {
		fatal("interop_sendCertificate: %v", err)
	}
	fmt.Printf("Certificate submitted: %s\n", id)
}

func cmdHeader(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: settler-cli header <certificate_id>")
	}
	h, err := types.HexToHash(args[0])
	if err != nil {
		fatal("invalid certificate id: %v", err)
	}
	header, err := client.CertificateHeader(types.CertificateID(h))
	if err != nil {
		fatal("interop_getCertificateHeader: %v", err)
	}
	printHeader(header)
}

func cmdLatest(client *rpcclient.Client, args []string, settled bool) {
	if len(args) < 1 {
		fatal("Usage: settler-cli latest-settled|latest-pending <network_id>")
	}
	network := parseNetwork(args[0])

	var (
		header *certificate.Header
		err    error
	)
	if settled {
		header, err = client.LatestSettledHeader(network)
	} else {
		header, err = client.LatestPendingHeader(network)
	}
	if rpcclient.IsCode(err, rpcclient.CodeNotFound) {
		fmt.Println("None.")
		return
	}
	if err != nil {
		fatal("%v", err)
	}
	printHeader(header)
}

func printHeader(h *certificate.Header) {
	fmt.Printf("Certificate: %s\n", h.CertificateID)
	fmt.Printf("Network:     %d\n", h.NetworkID)
	fmt.Printf("Height:      %d\n", h.Height)
	fmt.Printf("Status:      %s\n", h.Status)
	fmt.Printf("Prev LER:    %s\n", h.PrevLocalExitRoot)
	fmt.Printf("New LER:     %s\n", h.NewLocalExitRoot)
	if h.Error != "" {
		fmt.Printf("Error:       %s\n", h.Error)
	}
	if h.EpochNumber != nil {
		fmt.Printf("Epoch:       %d\n", *h.EpochNumber)
	}
	if h.CertificateIndex != nil {
		fmt.Printf("Index:       %d\n", *h.CertificateIndex)
	}
	if h.SettlementTxHash != nil {
		fmt.Printf("Tx:          %s\n", h.SettlementTxHash)
	}
}

// ── settler ─────────────────────────────────────────────────────────────

func cmdEpoch(client *rpcclient.Client) {
	cfg, err := client.EpochConfiguration()
	if err != nil {
		fatal("interop_getEpochConfiguration: %v", err)
	}
	fmt.Printf("Mode:     %s\n", cfg.Mode)
	if cfg.Mode == "block" {
		fmt.Printf("Genesis:  block %d\n", cfg.GenesisBlock)
		fmt.Printf("Length:   %d blocks\n", cfg.BlocksPerEpoch)
		return
	}
	fmt.Printf("Genesis:  %d\n", cfg.GenesisTime)
	fmt.Printf("Length:   %ds\n", cfg.EpochSeconds)
}

func cmdStatus(client *rpcclient.Client, args []string) {
	var network *types.NetworkID
	if len(args) > 0 {
		id := parseNetwork(args[0])
		network = &id
	}
	networks, err := client.NetworkStatus(network)
	if err != nil {
		fatal("interop_getNetworkStatus: %v", err)
	}
	if len(networks) == 0 {
		fmt.Println("No networks running.")
		return
	}

	fmt.Printf("%-8s %-8s %-9s %-18s %-18s %s\n", "NETWORK", "NEXT", "CAPACITY", "IN FLIGHT", "SETTLED", "STATE")
	for _, n := range networks {
		inFlight, settled := "-", "-"
		if n.InFlight != nil {
			inFlight = n.InFlight.Short()
		}
		if n.LatestSettled != nil {
			settled = fmt.Sprintf("%s@%d", n.LatestSettled.CertificateID.Short(), n.LatestSettled.Epoch)
		}
		capacity := "free"
		if n.AtCapacity {
			capacity = "full"
		}
		state := "running"
		if n.Failed {
			state = "failed: " + n.Error
		}
		fmt.Printf("%-8d %-8d %-9s %-18s %-18s %s\n", n.NetworkID, n.NextExpectedHeight, capacity, inFlight, settled, state)
	}
}

func cmdRemove(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	network := fs.String("network", "", "Network id")
	height := fs.Uint64("height", 0, "Certificate height")
	fs.Parse(args)

	if *network == "" {
		fatal("Usage: settler-cli remove --network <id> --height <h>")
	}
	id, err := client.RemovePendingCertificate(parseNetwork(*network), types.Height(*height))
	if err != nil {
		fatal("admin_removePendingCertificate: %v", err)
	}
	fmt.Printf("Removed certificate %s\n", id)
}

func parseNetwork(s string) types.NetworkID {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		fatal("invalid network id %q", s)
	}
	return types.NetworkID(n)
}

// ── Password / error helpers ────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
