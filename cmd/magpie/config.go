package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sagesolar/magpie-sub000/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Управление конфигурацией устройства",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Показать действующую конфигурацию",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		shown := *cfg
		if shown.Token != "" {
			shown.Token = "***"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", flagConfig)
		return config.WriteClientConfig(cmd.OutOrStdout(), &shown)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Изменить параметр (server_url, database, timeout, page_size, log_level)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.SaveClientConfig(flagConfig, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
		return nil
	},
}

var configTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Сохранить bearer-токен (читается со стандартного ввода)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := readToken(cmd)
		if err != nil {
			return err
		}
		if token == "" {
			return errors.New("пустой токен")
		}

		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		cfg.Token = token
		if err := config.SaveClientConfig(flagConfig, cfg); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Токен сохранён")
		return nil
	},
}

// readConfigFile читает только файл, без MAGPIE_* и флагов: их значения не сохраняются.
func readConfigFile() (*config.ClientConfig, error) {
	f, err := os.Open(flagConfig)
	if errors.Is(err, os.ErrNotExist) {
		return config.DefaultClientConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("открытие %s: %w", flagConfig, err)
	}
	defer f.Close()
	return config.ReadClientConfig(f)
}

func setConfigValue(cfg *config.ClientConfig, key, value string) error {
	switch key {
	case "server_url":
		cfg.ServerURL = value
	case "database":
		cfg.Database = value
	case "log_level":
		cfg.LogLevel = value
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		cfg.Timeout = config.Duration{Duration: d}
	case "page_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("page_size: %w", err)
		}
		cfg.PageSize = n
	case "token":
		return errors.New("token задаётся командой magpie config token")
	default:
		return fmt.Errorf("неизвестный параметр %q", key)
	}
	return nil
}

func readToken(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.OutOrStdout(), "Токен: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("чтение токена: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("чтение токена: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configTokenCmd)
	rootCmd.AddCommand(configCmd)
}
