package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// FailedOptions configure the failed command.
type FailedOptions struct {
	Limit int
}

// Failed prints the most recent failed-shift audit rows.
func (a *App) Failed(ctx context.Context, opts FailedOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot list failed shifts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rows, err := store.ListRecentFailedShifts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stdout, "no failed shifts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Failed (UTC)\tShift\tOrder\tStatus\tReason\tRetries\tExpected")

	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			row.FailedAt.UTC().Format(time.RFC3339),
			row.ShiftID,
			row.OrderID,
			row.Status,
			sanitizeInline(row.Reason),
			row.RetryCount,
			row.ExpectedAmount.String(),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
