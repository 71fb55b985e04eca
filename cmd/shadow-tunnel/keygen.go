package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/shadow-tunnel/internal/auth"
	"github.com/postalsys/shadow-tunnel/internal/crypto"
)

func keygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate cipher key material",
		Long:  "Generate RSA keys, substitution tables and salts for the cipher section of the config.",
	}

	cmd.AddCommand(keygenRSACmd())
	cmd.AddCommand(keygenTableCmd())
	cmd.AddCommand(keygenSaltCmd())

	return cmd
}

func keygenRSACmd() *cobra.Command {
	var (
		bits int
		out  string
	)

	cmd := &cobra.Command{
		Use:   "rsa",
		Short: "Generate an RSA private key (PEM)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pem, err := crypto.GenerateRSAKey(bits)
			if err != nil {
				return err
			}
			return writeKey(cmd.OutOrStdout(), out, pem)
		},
	}

	cmd.Flags().IntVar(&bits, "bits", 2048, "Key size in bits")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")

	return cmd
}

func keygenTableCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "table",
		Short: "Generate a substitution table (JSON)",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := crypto.GenerateTable()
			if err != nil {
				return err
			}
			data, err := t.MarshalJSON()
			if err != nil {
				return err
			}
			return writeKey(cmd.OutOrStdout(), out, append(data, '\n'))
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")

	return cmd
}

func keygenSaltCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "salt",
		Short: "Generate a salt for a stream or AEAD cipher",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := crypto.KindOf(name)
			if err != nil {
				return err
			}
			if kind.FileKeyed() {
				return fmt.Errorf("cipher %s takes a key file path as salt; use keygen %s", name, kind)
			}
			c, err := crypto.New(name, "keygen", nil)
			if err != nil {
				return err
			}
			if c.SaltSize() == 0 {
				return fmt.Errorf("cipher %s takes no salt", name)
			}
			salt, err := crypto.GenerateSalt(c.SaltSize())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), salt)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "cipher", crypto.NameAES256GCM, "Cipher name")

	return cmd
}

func hashTokenCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash of a token for remote.hashed_tokens",
		Long:  "Hash a token given as argument, or read one line from stdin when omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				var err error
				if token, err = readToken(cmd); err != nil {
					return err
				}
			}
			hash, err := auth.HashToken(token, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (0 = default)")

	return cmd
}

// readToken reads one line from stdin, without echo when stdin is a terminal.
func readToken(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Token: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// writeKey writes key material to path with owner-only permissions, or to w when path
// is empty.
func writeKey(w io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := w.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "Wrote %s\n", path)
	return nil
}
