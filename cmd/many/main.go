// Command many is the protocol's client-side CLI: identity conversion and
// message construction/signing/sending (spec.md §4.2, §4.3).
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/liftedinit/many-go/pkg/address"
	"github.com/liftedinit/many-go/pkg/crypto"
	"github.com/liftedinit/many-go/pkg/envelope"
	"github.com/liftedinit/many-go/pkg/protocol"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the CLI entrypoint, factored out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "id":
		return runIDCmd(args[2:], stdout, stderr)
	case "message":
		return runMessageCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: many <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  id <hex|text|pem-file> [subid]   convert between identity forms")
	fmt.Fprintln(w, "  message [flags]                  build, sign, and optionally send a request")
}

// runIDCmd implements "many id": hex -> text, text -> hex, or derive a
// textual identity from a PEM-encoded Ed25519 key. An optional subresource
// id is applied to a hex or PEM-derived identity; text input is converted
// to hex and any subresource id is ignored.
func runIDCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: many id <hex|text|pem-file> [subid]")
		return 2
	}
	arg := args[0]

	var base address.Address
	switch {
	case isHex(arg):
		raw, err := hex.DecodeString(arg)
		if err != nil {
			fmt.Fprintf(stderr, "invalid hex: %v\n", err)
			return 1
		}
		addr, err := address.FromBytes(raw)
		if err != nil {
			fmt.Fprintf(stderr, "invalid identity bytes: %v\n", err)
			return 1
		}
		base = addr
	default:
		if addr, err := address.FromStr(arg); err == nil {
			fmt.Fprintln(stdout, hex.EncodeToString(addr.ToBytes()))
			return 0
		}
		signer, err := crypto.LoadEd25519SignerFromPEM(arg)
		if err != nil {
			fmt.Fprintf(stderr, "could not parse %q as hex, identity text, or PEM file: %v\n", arg, err)
			return 1
		}
		base = address.PublicKey(crypto.HashPublicKey(signer.PublicKey()))
	}

	if len(args) > 1 {
		subid, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			fmt.Fprintf(stderr, "invalid subresource id: %v\n", err)
			return 1
		}
		derived, err := base.WithSubresourceID(uint32(subid))
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		base = derived
	}

	fmt.Fprintln(stdout, base.String())
	return 0
}

func isHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// runMessageCmd implements "many message": builds a Request, signs it (or
// leaves it anonymous with no --pem), and either prints the encoded
// envelope or sends it to --server and prints the response.
func runMessageCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("message", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		pemPath string
		to      string
		method  string
		dataHex string
		server  string
		hexOut  bool
		async   bool
	)
	fs.StringVar(&pemPath, "pem", "", "PEM file identifying the sender; omitted means anonymous")
	fs.StringVar(&to, "to", "", "destination identity, textual form")
	fs.StringVar(&method, "method", "", "method name to invoke (required)")
	fs.StringVar(&dataHex, "data", "", "hex-encoded request payload")
	fs.StringVar(&server, "server", "", "if set, POST the envelope here and print the response")
	fs.BoolVar(&hexOut, "hex", false, "print the built envelope as hex instead of sending it")
	fs.BoolVar(&async, "async", false, "accepted but has no effect: the response is printed as received, with no async-token extraction or polling")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if method == "" {
		fmt.Fprintln(stderr, "--method is required")
		return 2
	}

	var signer crypto.Signer
	var from address.Address
	if pemPath != "" {
		s, err := crypto.LoadEd25519SignerFromPEM(pemPath)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		signer = s
		from = address.PublicKey(crypto.HashPublicKey(s.PublicKey()))
	} else {
		from = address.Anonymous
	}

	var toAddr address.Address
	if to != "" {
		addr, err := address.FromStr(to)
		if err != nil {
			fmt.Fprintf(stderr, "invalid --to: %v\n", err)
			return 1
		}
		toAddr = addr
	}

	var data []byte
	if dataHex != "" {
		raw, err := hex.DecodeString(dataHex)
		if err != nil {
			fmt.Fprintf(stderr, "invalid --data: %v\n", err)
			return 1
		}
		data = raw
	}

	req := protocol.Request{
		Version:   protocol.Version,
		From:      from,
		To:        toAddr,
		Method:    method,
		Data:      data,
		Timestamp: time.Now(),
		ID:        []byte(uuid.NewString()),
	}
	payload, err := req.MarshalCBOR()
	if err != nil {
		fmt.Fprintf(stderr, "encode request: %v\n", err)
		return 1
	}

	env, err := envelope.Sign(signer, from, payload)
	if err != nil {
		fmt.Fprintf(stderr, "sign message: %v\n", err)
		return 1
	}
	wire, err := env.Encode()
	if err != nil {
		fmt.Fprintf(stderr, "encode envelope: %v\n", err)
		return 1
	}

	if server == "" || hexOut {
		fmt.Fprintln(stdout, hex.EncodeToString(wire))
		return 0
	}

	resp, err := sendMessage(context.Background(), server, wire)
	if err != nil {
		fmt.Fprintf(stderr, "send message: %v\n", err)
		return 1
	}

	if resp.Err != nil {
		fmt.Fprintf(stderr, "error %d: %s\n", resp.Err.Code, resp.Err.Message)
		return 1
	}
	fmt.Fprintln(stdout, hex.EncodeToString(resp.Data))
	return 0
}

func sendMessage(ctx context.Context, server string, wire []byte) (*protocol.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(wire))
	if err != nil {
		return nil, fmt.Errorf("build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/cbor")

	httpResp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	env, err := envelope.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	var resp protocol.Response
	if err := resp.UnmarshalCBOR(env.Payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
