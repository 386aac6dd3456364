package syncer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sagesolar/magpie-sub000/internal/domain/model"
)

// Reviewer — шаг подтверждения перед отправкой изменений на сервер.
// Возвращает id подтверждённых изменений. Ошибка прерывает проход без отправки.
type Reviewer interface {
	Review(ctx context.Context, pending []*model.Change) ([]string, error)
}

// ReviewerFunc — адаптер функции к Reviewer.
type ReviewerFunc func(ctx context.Context, pending []*model.Change) ([]string, error)

// Review реализует Reviewer.
func (f ReviewerFunc) Review(ctx context.Context, pending []*model.Change) ([]string, error) {
	return f(ctx, pending)
}

// AutoApprove подтверждает все изменения (sync --yes).
var AutoApprove Reviewer = ReviewerFunc(func(_ context.Context, pending []*model.Change) ([]string, error) {
	ids := make([]string, len(pending))
	for i, ch := range pending {
		ids[i] = ch.ID
	}
	return ids, nil
})

// PromptReviewer запрашивает подтверждение каждого изменения:
// y — отправить, n — оставить в журнале, a — отправить все оставшиеся,
// q — оставить в журнале все оставшиеся. Конец ввода равносилен q.
type PromptReviewer struct {
	In  io.Reader
	Out io.Writer
}

// Review реализует Reviewer.
func (p *PromptReviewer) Review(ctx context.Context, pending []*model.Change) ([]string, error) {
	fmt.Fprintf(p.Out, "Изменений к отправке: %d\n", len(pending))

	scanner := bufio.NewScanner(p.In)
	var approved []string
	for i, ch := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fmt.Fprintf(p.Out, "[%d/%d] %s\nОтправить? [y/N/a/q]: ", i+1, len(pending), Describe(ch))
		if !scanner.Scan() {
			fmt.Fprintln(p.Out)
			break
		}

		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "y", "yes", "д", "да":
			approved = append(approved, ch.ID)
		case "a", "all":
			for _, rest := range pending[i:] {
				approved = append(approved, rest.ID)
			}
			return approved, nil
		case "q", "quit":
			return approved, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("чтение ответа: %w", err)
	}
	return approved, nil
}

// Describe возвращает однострочное описание изменения.
func Describe(ch *model.Change) string {
	created := ch.CreatedAt().Local().Format(time.DateTime)
	if ch.Action == model.ActionDelete {
		return fmt.Sprintf("%-6s %s (%s)", ch.Action, ch.RecordKey, created)
	}
	in, err := ch.Input()
	if err != nil {
		return fmt.Sprintf("%-6s %s (%s, данные повреждены)", ch.Action, ch.RecordKey, created)
	}
	return fmt.Sprintf("%-6s %s «%s» (%s)", ch.Action, ch.RecordKey, in.Title, created)
}
