// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/usbarmory/armory-se/internal/crypto"
)

var sanitizeCmd = &cobra.Command{
	Use:   "sanitize",
	Short: "Replace the secure storage key and clear the secure boot key",
	Long: `Replace the secure storage key with a key derived from it and the given
diversifier, lock it, and clear the secure boot key.

Both operations are verified, any failure is fatal as boot time keys might
still be exposed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		div, _ := cmd.Flags().GetString("diversifier")

		k := crypto.NewKeyring(engine)
		defer k.Close()

		if err = k.Sanitize([]byte(div)); err != nil {
			return fmt.Errorf("could not sanitize boot keys, %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "secure storage key replaced and locked, secure boot key cleared")

		return
	},
}

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Show key slot allocation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, ' ', 0)

		fmt.Fprintln(w, "SLOT\tKIND\tIN USE\tLOCKED")

		for _, s := range engine.KeySlots() {
			fmt.Fprintf(w, "%d\t%s\t%v\t%v\n", s.Index, s.Kind, s.InUse, s.Locked)
		}

		return w.Flush()
	},
}

func init() {
	sanitizeCmd.Flags().String("diversifier", "", "secure storage key diversifier (e.g. device serial)")
}
