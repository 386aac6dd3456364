package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagesolar/magpie-sub000/internal/client/localstore"
	"github.com/sagesolar/magpie-sub000/internal/domain/model"
)

// detailsFlags — флаги описательных полей записи (add, edit).
type detailsFlags struct {
	title       string
	authors     []string
	publisher   string
	year        int
	description string
	language    string
	pages       int
	cover       string
	notes       string
}

func (f *detailsFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.title, "title", "", "название")
	fs.StringSliceVar(&f.authors, "author", nil, "автор (можно указать несколько раз)")
	fs.StringVar(&f.publisher, "publisher", "", "издательство")
	fs.IntVar(&f.year, "year", 0, "год издания")
	fs.StringVar(&f.description, "description", "", "описание")
	fs.StringVar(&f.language, "language", "", "язык")
	fs.IntVar(&f.pages, "pages", 0, "число страниц")
	fs.StringVar(&f.cover, "cover", "", "URL обложки")
	fs.StringVar(&f.notes, "notes", "", "заметки")
}

// apply переносит в d только явно заданные флаги.
func (f *detailsFlags) apply(cmd *cobra.Command, d *model.Details) {
	changed := cmd.Flags().Changed
	if changed("title") {
		d.Title = f.title
	}
	if changed("author") {
		d.Authors = f.authors
	}
	if changed("publisher") {
		d.Publisher = f.publisher
	}
	if changed("year") {
		d.Year = f.year
	}
	if changed("description") {
		d.Description = f.description
	}
	if changed("language") {
		d.Language = f.language
	}
	if changed("pages") {
		d.PageCount = f.pages
	}
	if changed("cover") {
		d.CoverURL = f.cover
	}
	if changed("notes") {
		d.Notes = f.notes
	}
}

var (
	addFlags  detailsFlags
	addFav    bool
	editFlags detailsFlags
)

var addCmd = &cobra.Command{
	Use:   "add ISBN",
	Short: "Добавить книгу в каталог",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		in := model.RecordInput{Key: args[0], Favourite: addFav}
		addFlags.apply(cmd, &in.Details)

		rec, err := a.catalog.Create(cmd.Context(), in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Добавлено: %s «%s» (ожидает синхронизации)\n", rec.Key, rec.Title)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit ISBN",
	Short: "Изменить описательные поля книги",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		current, err := a.catalog.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		details := current.Details
		editFlags.apply(cmd, &details)

		rec, err := a.catalog.Edit(cmd.Context(), current.Key, details)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Изменено: %s «%s»\n", rec.Key, rec.Title)
		return nil
	},
}

var favCmd = &cobra.Command{
	Use:   "fav ISBN",
	Short: "Переключить флаг избранного",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.catalog.ToggleFavourite(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		state := "убрано из избранного"
		if rec.Favourite {
			state = "добавлено в избранное"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", rec.Key, state)
		return nil
	},
}

var (
	lendTo  string
	lendDue string
)

var lendCmd = &cobra.Command{
	Use:   "lend ISBN",
	Short: "Отметить книгу выданной",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var due *time.Time
		if lendDue != "" {
			d, err := time.ParseInLocation(time.DateOnly, lendDue, time.Local)
			if err != nil {
				return fmt.Errorf("--due: ожидается дата ГГГГ-ММ-ДД: %w", err)
			}
			d = d.Add(24*time.Hour - time.Second).UTC()
			due = &d
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.catalog.Lend(cmd.Context(), args[0], lendTo, due)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s выдана: %s\n", rec.Key, rec.Loan.LoanedTo)
		return nil
	},
}

var returnCmd = &cobra.Command{
	Use:   "return ISBN",
	Short: "Отметить книгу возвращённой",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.catalog.Return(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s возвращена\n", rec.Key)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm ISBN",
	Short: "Удалить книгу из каталога",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.catalog.Remove(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Удалено: %s (ожидает синхронизации)\n", args[0])
		return nil
	},
}

var (
	lsQuery  string
	lsFav    bool
	lsLoaned bool
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "Список книг локального каталога",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		filter := localstore.ListFilter{Query: lsQuery}
		if cmd.Flags().Changed("fav") {
			filter.Favourite = &lsFav
		}
		if cmd.Flags().Changed("loaned") {
			filter.Loaned = &lsLoaned
		}

		records, err := a.catalog.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		printRecords(cmd.OutOrStdout(), records)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show ISBN",
	Short: "Показать книгу (JSON)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.catalog.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func printRecords(w io.Writer, records []*model.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "Каталог пуст")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ISBN\tНАЗВАНИЕ\tАВТОРЫ\t★\tВЫДАНА\tВЛАДЕЛЕЦ")
	for _, rec := range records {
		fav := ""
		if rec.Favourite {
			fav = "★"
		}
		owner := rec.Owner
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Key, rec.Title, strings.Join(rec.Authors, ", "), fav, rec.Loan.LoanedTo, owner)
	}
	tw.Flush()
}

func init() {
	addFlags.register(addCmd)
	addCmd.Flags().BoolVar(&addFav, "fav", false, "добавить в избранное")
	_ = addCmd.MarkFlagRequired("title")

	editFlags.register(editCmd)

	lendCmd.Flags().StringVar(&lendTo, "to", "", "кому выдана книга")
	lendCmd.Flags().StringVar(&lendDue, "due", "", "ожидаемая дата возврата (ГГГГ-ММ-ДД)")
	_ = lendCmd.MarkFlagRequired("to")

	lsCmd.Flags().StringVarP(&lsQuery, "query", "q", "", "поиск по ISBN, названию, авторам, издательству")
	lsCmd.Flags().BoolVar(&lsFav, "fav", false, "только избранные (--fav=false — только неизбранные)")
	lsCmd.Flags().BoolVar(&lsLoaned, "loaned", false, "только выданные (--loaned=false — только невыданные)")

	rootCmd.AddCommand(addCmd, editCmd, favCmd, lendCmd, returnCmd, rmCmd, lsCmd, showCmd)
}
