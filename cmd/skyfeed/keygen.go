package main

import (
	"context"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/habitat-network/skyfeed/internal/encrypt"
	"github.com/habitat-network/skyfeed/internal/oauthclient"
)

var fJWK = "jwk"

func keygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Print a new session encryption key, or a client signing key with --jwk",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  fJWK,
				Usage: "Print a private ES256 JWK for --client_jwk instead",
			},
		},
		Action: runKeygen,
	}
}

func runKeygen(_ context.Context, cmd *cli.Command) error {
	if !cmd.Bool(fJWK) {
		key, err := encrypt.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	}

	key, err := oauthclient.GenerateDpopKey()
	if err != nil {
		return err
	}
	jwk := jose.JSONWebKey{
		Key:       key,
		KeyID:     uuid.NewString(),
		Algorithm: string(jose.ES256),
		Use:       "sig",
	}
	out, err := json.MarshalIndent(jwk, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
