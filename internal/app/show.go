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

// Show prints recent transaction intents and their newest send.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show intents")
	}
	defer closeStore()

	intents, err := store.ListRecentIntents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(intents) == 0 {
		fmt.Fprintln(os.Stdout, "no intents found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tIntent Key\tStatus\tSends\tLatest Tx\tNonce")

	for _, intent := range intents {
		sends, err := store.SendsForIntent(ctx, intent.ID)
		if err != nil {
			return err
		}

		latestHash := ""
		nonceStr := ""
		if len(sends) > 0 {
			latest := sends[len(sends)-1]
			latestHash = latest.TxHash
			nonceStr = fmt.Sprintf("%d", latest.Nonce)
		}

		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\t%s\n",
			intent.CreatedAt.UTC().Format(time.RFC3339),
			sanitizeInline(intent.IntentKey),
			intent.Status,
			len(sends),
			latestHash,
			nonceStr,
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
