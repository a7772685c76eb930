package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	oauth "github.com/dsav-dodeka/dodeka-oauth"
	"github.com/dsav-dodeka/dodeka-oauth/opaque"
	"github.com/dsav-dodeka/dodeka-oauth/security"
	"github.com/dsav-dodeka/dodeka-oauth/startup"
	"github.com/dsav-dodeka/dodeka-oauth/storage"
)

func (r *runtime) provisioner() *startup.DataProvisioner {
	return &startup.DataProvisioner{
		Keys:   r.keys,
		Store:  r.stores.keys,
		Users:  r.stores.users,
		Logger: r.logger,
	}
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the key set, the OPAQUE setup and the decoy record",
	Long: "Create the initial data of an empty deployment. Data that already exists is kept.\n" +
		"Runs under the startup lock, so it is safe while servers are starting.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close(ctx)

		if _, err := startup.Run(ctx, rt.stores.locks, rt.keys, rt.provisioner(), startup.Options{
			Provision: true,
			Logger:    rt.logger,
		}); err != nil {
			return err
		}
		rt.logger.Info("Provisioning complete")
		return nil
	},
}

var rotateUse string

var rotateKeysCmd = &cobra.Command{
	Use:   "rotate-keys",
	Short: "Add a new signing or refresh token key",
	Long: "Add a new key. Running servers pick it up on their next start, the previous\n" +
		"symmetric key keeps decrypting refresh tokens issued before the rotation.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rotateUse != storage.KeyUseSigning && rotateUse != storage.KeyUseEncryption {
			return fmt.Errorf("--use must be %q or %q", storage.KeyUseSigning, storage.KeyUseEncryption)
		}
		ctx := cmd.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close(ctx)

		kid, err := rt.keys.Rotate(ctx, rotateUse)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), kid)
		return nil
	},
}

var setPasswordUserID string

var setPasswordCmd = &cobra.Command{
	Use:   "set-password",
	Short: "Set a user's password, read from stdin, and revoke their refresh tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		if setPasswordUserID == "" {
			return fmt.Errorf("--user-id is required")
		}
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close(ctx)

		opaqueServer, err := startup.LoadOPAQUE(ctx, rt.stores.keys)
		if err != nil {
			return err
		}
		passwordFile, err := opaque.Register(opaqueServer, setPasswordUserID, password)
		if err != nil {
			return err
		}

		srv, err := oauth.NewServer(rt.stores.flows, rt.stores.tokens, rt.stores.users, rt.keys, opaqueServer, rt.settings.serverConfig(), rt.logger)
		if err != nil {
			return err
		}
		srv.SetAuditor(security.NewAuditor(rt.logger, rt.settings.AuditLogging))
		if err := srv.ChangePassword(ctx, setPasswordUserID, passwordFile); err != nil {
			return err
		}
		rt.logger.Info("Password changed", "user_id", setPasswordUserID)
		return nil
	},
}

var registerUserID string

var issueRegisterIDCmd = &cobra.Command{
	Use:   "issue-register-id",
	Short: "Print a new registration secret for a user without a password",
	RunE: func(cmd *cobra.Command, args []string) error {
		if registerUserID == "" {
			return fmt.Errorf("--user-id is required")
		}
		ctx := cmd.Context()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close(ctx)

		opaqueServer, err := startup.LoadOPAQUE(ctx, rt.stores.keys)
		if err != nil {
			return err
		}
		srv, err := oauth.NewServer(rt.stores.flows, rt.stores.tokens, rt.stores.users, rt.keys, opaqueServer, rt.settings.serverConfig(), rt.logger)
		if err != nil {
			return err
		}
		registerID, err := srv.IssueRegisterID(ctx, registerUserID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), registerID)
		return nil
	},
}

// readPassword reads the first line of r.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	return password, nil
}

func init() {
	rotateKeysCmd.Flags().StringVar(&rotateUse, "use", storage.KeyUseSigning, "key use: sig or enc")
	setPasswordCmd.Flags().StringVar(&setPasswordUserID, "user-id", "", "user to change")
	issueRegisterIDCmd.Flags().StringVar(&registerUserID, "user-id", "", "user to register")

	rootCmd.AddCommand(provisionCmd, rotateKeysCmd, setPasswordCmd, issueRegisterIDCmd)
}
