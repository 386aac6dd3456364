package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sagesolar/magpie-sub000/internal/domain/isbn"
	"github.com/sagesolar/magpie-sub000/internal/domain/model"
)

var (
	sharePerms   []string
	shareMessage string
)

// parsePermissions разбирает --perm view,edit,loan.
// share и remove не выдаются участникам, см. Ownership Guard.
func parsePermissions(names []string) (*model.Permissions, error) {
	if len(names) == 0 {
		return nil, nil
	}
	var p model.Permissions
	for _, name := range names {
		switch model.Operation(strings.ToLower(strings.TrimSpace(name))) {
		case model.OpView:
			p.CanView = true
		case model.OpEdit:
			p.CanEdit = true
		case model.OpLoan:
			p.CanLoan = true
		default:
			return nil, fmt.Errorf("--perm: неизвестное право %q (допустимо: view, edit, loan)", name)
		}
	}
	return &p, nil
}

var shareCmd = &cobra.Command{
	Use:   "share ISBN IDENTITY...",
	Short: "Открыть доступ к книге (требует сети)",
	Long:  "IDENTITY — id или email пользователя. Без --perm права не меняются.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := isbn.Parse(args[0])
		if err != nil {
			return err
		}
		perms, err := parsePermissions(sharePerms)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		client, err := a.remote()
		if err != nil {
			return err
		}
		rec, err := client.Share(cmd.Context(), key, model.ShareRequest{
			Identities:  args[1:],
			Permissions: perms,
			Message:     shareMessage,
		})
		if err != nil {
			return err
		}
		if err := a.store.UpsertRecord(cmd.Context(), rec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: доступ открыт для %s\n", rec.Key, strings.Join(rec.SharedWith, ", "))
		return nil
	},
}

var unshareCmd = &cobra.Command{
	Use:   "unshare ISBN IDENTITY",
	Short: "Закрыть доступ к книге (требует сети)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := isbn.Parse(args[0])
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		client, err := a.remote()
		if err != nil {
			return err
		}
		rec, err := client.Unshare(cmd.Context(), key, args[1])
		if err != nil {
			return err
		}
		if err := a.store.UpsertRecord(cmd.Context(), rec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: доступ для %s закрыт\n", rec.Key, args[1])
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Войти на сервер с токеном из конфигурации",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if a.cfg.Token == "" {
			return fmt.Errorf("токен не задан: magpie config token")
		}
		client, err := a.remote()
		if err != nil {
			return err
		}
		ident, created, err := client.Login(cmd.Context())
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "Аккаунт создан: %s (%s)\n", ident.Name, ident.ID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Вход выполнен: %s (%s)\n", ident.Name, ident.ID)
		}
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Показать профиль текущего пользователя",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		client, err := a.remote()
		if err != nil {
			return err
		}
		ident, err := client.Me(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ident)
	},
}

func init() {
	shareCmd.Flags().StringSliceVar(&sharePerms, "perm", nil, "права участников: view, edit, loan")
	shareCmd.Flags().StringVar(&shareMessage, "message", "", "сообщение получателям")
	rootCmd.AddCommand(shareCmd, unshareCmd, loginCmd, whoamiCmd)
}
