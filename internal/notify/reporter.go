package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxReportLen = 3500

// Reporter отправляет необработанные ошибки со стеком в служебный канал
type Reporter struct {
	notifier  Notifier
	channelID int64
	logger    zerolog.Logger
}

func NewReporter(notifier Notifier, channelID int64, logger zerolog.Logger) *Reporter {
	return &Reporter{
		notifier:  notifier,
		channelID: channelID,
		logger:    logger.With().Str("component", "ErrorReporter").Logger(),
	}
}

// Report логирует ошибку и, если канал задан, пересылает её туда. Сам никогда не падает.
func (r *Reporter) Report(ctx context.Context, where string, err error, stack []byte) {
	r.logger.Error().Err(err).Str("where", where).Bytes("stack", stack).Msg("unhandled error")
	if r.channelID == 0 || r.notifier == nil {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🚨 %s\n%s\n\n", where, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		b.WriteString(err.Error())
		b.WriteString("\n\n")
	}
	b.Write(stack)
	text := b.String()
	if len(text) > maxReportLen {
		text = text[:maxReportLen] + "\n..."
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, sendErr := r.notifier.Send(sendCtx, r.channelID, text); sendErr != nil {
		r.logger.Warn().Err(sendErr).Msg("failed to deliver error report")
	}
}
