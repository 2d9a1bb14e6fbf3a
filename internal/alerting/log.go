package alerting

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes alerts to the structured log. It is the fallback
// channel when no external notifier is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("kind", string(note.Kind)).
		Str("intent_key", note.IntentKey).
		Str("tx_hash", note.TxHash).
		Str("symbol", note.Symbol).
		Time("at", note.At).
		Msg(note.Message)
	return nil
}

// MultiNotifier fans a notification out to every configured channel.
// Delivery failures are logged and swallowed so one broken channel
// does not mask the others.
type MultiNotifier struct {
	channels []Notifier
	logger   zerolog.Logger
}

func NewMultiNotifier(logger zerolog.Logger, channels ...Notifier) *MultiNotifier {
	return &MultiNotifier{
		channels: channels,
		logger:   logger.With().Str("component", "alert_multi").Logger(),
	}
}

func (n *MultiNotifier) Notify(ctx context.Context, note Notification) error {
	for _, ch := range n.channels {
		if err := ch.Notify(ctx, note); err != nil {
			n.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("alert channel failed")
		}
	}
	return nil
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*MultiNotifier)(nil)
)
