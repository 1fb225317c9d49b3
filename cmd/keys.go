package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/agenda-crawler/internal/secrets"
)

// keyring access is swapped in tests.
var (
	setSecret    = secrets.Set
	deleteSecret = secrets.Delete
)

var knownProviders = []string{"openai", "anthropic"}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "keys",
		Short:       "Store LLM API keys in the OS keychain",
		Annotations: map[string]string{skipAppAnnotation: "true"},
	}
	cmd.AddCommand(newKeysSetCmd(), newKeysDeleteCmd())
	return cmd
}

func checkProvider(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range knownProviders {
		if p == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q (want one of %s)", name, strings.Join(knownProviders, ", "))
}

func newKeysSetCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:         "set PROVIDER",
		Short:       "Store the API key of an LLM provider; reads stdin without --value",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := checkProvider(args[0])
			if err != nil {
				return err
			}
			if value == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no key given on stdin")
				}
				value = strings.TrimSpace(line)
			}
			if err := setSecret(secrets.Account(provider), value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s key\n", provider)
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "the key; prefer stdin to keep it out of shell history")
	return cmd
}

func newKeysDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "delete PROVIDER",
		Short:       "Remove the stored API key of an LLM provider",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := checkProvider(args[0])
			if err != nil {
				return err
			}
			if err := deleteSecret(secrets.Account(provider)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s key\n", provider)
			return nil
		},
	}
}
