// event-cli выводит события сервера из NATS JetStream.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/annel0/blockcore/internal/eventbus"
)

const timeFormat = "2006-01-02T15:04:05.000Z"

func main() {
	var (
		natsURL = flag.String("nats", "nats://127.0.0.1:4222", "адрес NATS")
		stream  = flag.String("stream", "BLOCKCORE", "имя стрима JetStream")
		subject = flag.String("subject", "blockcore.events", "субъект событий")
		types   = flag.String("types", "", "фильтр типов событий (через запятую)")
		sources = flag.String("sources", "", "фильтр источников (через запятую)")
		limit   = flag.Int("limit", 0, "завершиться после N событий (0 - без ограничения)")
	)
	flag.Parse()

	bus, err := eventbus.NewJetStreamBus(eventbus.JetStreamConfig{
		URL:     *natsURL,
		Stream:  *stream,
		Subject: *subject,
	})
	if err != nil {
		log.Fatalf("❌ Не удалось подключиться к NATS: %v", err)
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	filter := eventbus.Filter{
		Types:   parseStringList(*types),
		Sources: parseStringList(*sources),
	}
	if err := tail(ctx, bus, filter, *limit, os.Stdout); err != nil {
		log.Fatalf("❌ Ошибка чтения событий: %v", err)
	}
}

// tail печатает события до отмены ctx или получения limit событий
func tail(ctx context.Context, bus eventbus.EventBus, filter eventbus.Filter, limit int, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan *eventbus.Envelope, 64)
	sub, err := bus.Subscribe(ctx, filter, func(_ context.Context, ev *eventbus.Envelope) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	fmt.Fprintf(out, "🎬 Ожидание событий (limit: %d)\n", limit)
	count := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\n📊 Всего событий: %d\n", count)
			return nil
		case ev := <-events:
			fmt.Fprintln(out, formatEvent(ev))
			count++
			if limit > 0 && count >= limit {
				fmt.Fprintf(out, "\n📊 Всего событий: %d\n", count)
				return nil
			}
		}
	}
}

func formatEvent(ev *eventbus.Envelope) string {
	head := fmt.Sprintf("[%s] %s/%s p=%d", ev.Timestamp.UTC().Format(timeFormat), ev.Source, ev.EventType, ev.Priority)

	switch ev.EventType {
	case eventbus.EventPlayerMoved:
		var p eventbus.PlayerMoved
		if err := ev.Decode(&p); err == nil {
			return fmt.Sprintf("%s entity=%d (%.2f, %.2f, %.2f) → (%.2f, %.2f, %.2f) ground=%v",
				head, p.EntityID, p.From.X, p.From.Y, p.From.Z, p.To.X, p.To.Y, p.To.Z, p.OnGround)
		}
	case eventbus.EventChunkIOFailed:
		var p eventbus.ChunkIOFailed
		if err := ev.Decode(&p); err == nil {
			return fmt.Sprintf("%s chunk=(%d, %d) op=%s: %s", head, p.X, p.Z, p.Operation, p.Error)
		}
	}
	return fmt.Sprintf("%s %s", head, string(ev.Payload))
}

func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
