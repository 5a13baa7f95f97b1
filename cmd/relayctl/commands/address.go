package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mabilbao/layer-webhooks-sendgrid/pkg/address"
)

var addressDomain string

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Encode or decode reply addresses",
}

var addressEncodeCmd = &cobra.Command{
	Use:   "encode <conversation> <user>",
	Short: "Build the reply address for a conversation and recipient",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if addressDomain == "" {
			fmt.Fprintln(cmd.OutOrStdout(), address.Encode(args[0], args[1]))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), address.Address(args[0], args[1], addressDomain))
		return nil
	},
}

var addressDecodeCmd = &cobra.Command{
	Use:   "decode <address>",
	Short: "Show the conversation and user behind a reply address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := address.Decode(address.LocalPart(args[0]))
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return outputJSON(reply)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "conversation: %s\nuser:         %s\n", reply.Conversation, reply.User)
		return nil
	},
}

func init() {
	addressEncodeCmd.Flags().StringVarP(&addressDomain, "domain", "d", envOr("EMAIL_DOMAIN", ""), "email domain to append")

	addressCmd.AddCommand(addressEncodeCmd)
	addressCmd.AddCommand(addressDecodeCmd)
}
