package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/quanlan-server/quanlan-server/pkg/client"
	"github.com/quanlan-server/quanlan-server/pkg/crypto"
)

const usage = `usage:
  quanlan-ctl [flags] <method> [json-params]
  quanlan-ctl hash-secret <secret>
  quanlan-ctl gen-secret [bytes]

flags:
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("quanlan-ctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		url          = fs.String("url", envOr("QUANLAN_URL", "http://localhost:9999"), "server base URL")
		token        = fs.String("token", os.Getenv("QUANLAN_TOKEN"), "bearer token")
		clientID     = fs.String("client-id", os.Getenv("QUANLAN_CLIENT_ID"), "client id used to request a token")
		clientSecret = fs.String("client-secret", os.Getenv("QUANLAN_CLIENT_SECRET"), "client secret used to request a token")
		timeout      = fs.Duration("timeout", 90*time.Second, "call timeout")
	)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	switch rest[0] {
	case "hash-secret":
		if len(rest) != 2 {
			return errors.New("hash-secret takes exactly one secret")
		}
		hash, err := crypto.HashSecret(rest[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, hash)
		return nil

	case "gen-secret":
		n := 32
		if len(rest) > 1 {
			v, err := strconv.Atoi(rest[1])
			if err != nil || v <= 0 {
				return fmt.Errorf("invalid byte count %q", rest[1])
			}
			n = v
		}
		secret, err := crypto.GenerateRandomString(n)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, secret)
		return nil
	}

	method := rest[0]
	var params json.RawMessage
	if len(rest) > 1 {
		if !json.Valid([]byte(rest[1])) {
			return fmt.Errorf("params are not valid JSON: %s", rest[1])
		}
		params = json.RawMessage(rest[1])
	}
	if len(rest) > 2 {
		return errors.New("too many arguments")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := client.New(*url, client.WithToken(*token))
	if *token == "" && *clientID != "" {
		if err := c.Login(ctx, *clientID, *clientSecret); err != nil {
			return err
		}
	}

	var result json.RawMessage
	var callParams any
	if params != nil {
		callParams = params
	}
	if err := c.Call(ctx, method, callParams, &result); err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(out))
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
