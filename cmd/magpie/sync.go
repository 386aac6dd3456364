package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sagesolar/magpie-sub000/internal/client/localstore"
	"github.com/sagesolar/magpie-sub000/internal/client/syncer"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Показать изменения, ожидающие синхронизации",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		changes, err := a.catalog.Pending(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(changes) == 0 {
			fmt.Fprintln(out, "Нет изменений, ожидающих синхронизации")
		}
		for _, ch := range changes {
			fmt.Fprintln(out, syncer.Describe(ch))
		}

		last, err := a.store.GetTime(cmd.Context(), localstore.MetaLastSyncAt)
		if err != nil {
			return err
		}
		if !last.IsZero() {
			fmt.Fprintf(out, "Последняя синхронизация: %s\n", last.Local().Format(time.DateTime))
		}
		return nil
	},
}

var syncYes bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Синхронизировать каталог с сервером",
	Long: `Отправляет изменения журнала на сервер в порядке создания.
Перед отправкой каждое изменение показывается для подтверждения (--yes отправляет все).
Если журнал пуст, загружает актуальные записи с сервера.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		reviewer := syncer.AutoApprove
		if !syncYes {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("нет терминала для подтверждения изменений: используйте --yes")
			}
			reviewer = &syncer.PromptReviewer{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
		}

		client, err := a.remote()
		if err != nil {
			return err
		}
		s := syncer.New(a.store, client, a.cfg.PageSize, a.logger)

		report, err := s.Sync(cmd.Context(), reviewer)
		if report != nil {
			printReport(cmd.OutOrStdout(), report)
		}
		if err != nil {
			return err
		}
		if len(report.Failed) > 0 {
			return fmt.Errorf("сервер отклонил изменений: %d", len(report.Failed))
		}
		return nil
	},
}

func printReport(w io.Writer, r *syncer.Report) {
	if r.Pulled >= 0 {
		fmt.Fprintf(w, "Получено записей с сервера: %d\n", r.Pulled)
	}
	if len(r.Applied) > 0 {
		fmt.Fprintf(w, "Отправлено: %d\n", len(r.Applied))
	}
	for _, f := range r.Failed {
		fmt.Fprintf(w, "Отклонено [%s]: %s\n  %v\n", f.Kind, syncer.Describe(f.Change), f.Err)
	}
	for _, ch := range r.Skipped {
		fmt.Fprintf(w, "Отложено (ранее отклонено изменение записи): %s\n", syncer.Describe(ch))
	}
	if len(r.Declined) > 0 {
		fmt.Fprintf(w, "Оставлено в журнале без отправки: %d\n", len(r.Declined))
	}
	if n := r.Remaining(); n > 0 {
		fmt.Fprintf(w, "Ожидают синхронизации: %d (см. magpie pending)\n", n)
	}
}

func init() {
	syncCmd.Flags().BoolVarP(&syncYes, "yes", "y", false, "отправить все изменения без подтверждения")
	rootCmd.AddCommand(pendingCmd, syncCmd)
}
