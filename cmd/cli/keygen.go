package cli

import (
	"github.com/canopy-network/hotshot/lib"
	"github.com/canopy-network/hotshot/lib/crypto"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "generate a BLS12-381 consensus key pair",
	Run: func(cmd *cobra.Command, args []string) {
		pk, err := crypto.NewBLSPrivateKey()
		if err != nil {
			l.Fatal(err.Error())
		}
		writeToConsole(keyGroup{PublicKey: pk.PublicKey().Bytes(), PrivateKey: pk.Bytes()}, nil)
	},
}

// keyGroup is the printable form of a key pair
type keyGroup struct {
	PublicKey  lib.HexBytes `json:"publicKey"`
	PrivateKey lib.HexBytes `json:"privateKey"`
}
