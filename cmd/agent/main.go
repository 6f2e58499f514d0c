// Command agent is a headless client for the Stream server. It publishes a
// test pattern, subscribes to every stream, lists streams or sends chat.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Stream/internal/config"
	"github.com/dkeye/Stream/internal/logging"
	"github.com/dkeye/Stream/pkg/agent"
	"github.com/dkeye/Stream/pkg/chat"
)

type flags struct {
	url      string
	name     string
	mode     string
	kinds    []string
	stream   string
	message  string
	duration time.Duration
	timeout  time.Duration
	ice      []string
	level    string
	pretty   bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	fs.StringVar(&f.url, "url", "ws://localhost:8080/api/ws/signal", "signaling websocket url")
	fs.StringVarP(&f.name, "name", "n", "agent", "chat sender name")
	fs.StringVarP(&f.mode, "mode", "m", "subscribe", "publish, subscribe, list or chat")
	fs.StringSliceVar(&f.kinds, "kind", []string{"video"}, "kinds to publish")
	fs.StringVar(&f.stream, "stream", "", "stream id for chat mode")
	fs.StringVar(&f.message, "message", "", "chat message to send")
	fs.DurationVarP(&f.duration, "duration", "d", 0, "how long to stay connected, 0 until interrupted")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Second, "request timeout")
	fs.StringSliceVar(&f.ice, "ice", nil, "ICE server urls")
	fs.StringVar(&f.level, "log-level", "info", "log level")
	fs.BoolVar(&f.pretty, "pretty", true, "human readable logs")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	switch f.mode {
	case "publish", "subscribe", "list":
	case "chat":
		if f.stream == "" || f.message == "" {
			return f, errors.New("chat mode needs --stream and --message")
		}
	default:
		return f, fmt.Errorf("unknown mode %q", f.mode)
	}
	return f, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logging.Setup(config.LogConfig{Level: f.level, Pretty: f.pretty})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if f.duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, f.duration)
		defer stop()
	}

	if err := run(ctx, f); err != nil {
		log.Error().Err(err).Msg("agent stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags) error {
	device := agent.NewORTCDevice(agent.DeviceOptions{
		ICEServers:    f.ice,
		LoggerFactory: logging.PionFactory{Base: &log.Logger},
	})
	dialCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	a, err := agent.Connect(dialCtx, f.url, device, f.timeout, agent.Options{
		Name: f.name,
		OnChat: func(m chat.Applied) {
			log.Info().Str("stream_id", m.StreamID).Str("sender", m.Message.Sender).
				Str("path", string(m.Path)).Msg(m.Message.Content)
		},
	})
	if err != nil {
		return err
	}
	defer a.Close()

	switch f.mode {
	case "list":
		list, err := a.ListProducers(ctx)
		if err != nil {
			return err
		}
		for _, p := range list {
			fmt.Printf("%s\t%s\t%s\n", p.ID, p.Kind, p.StreamID)
		}
		return nil
	case "chat":
		_, err := a.SendChat(f.stream, f.message)
		// give the write a moment before the close frame
		time.Sleep(100 * time.Millisecond)
		return err
	case "publish":
		for _, kind := range f.kinds {
			id, err := a.Publish(ctx, kind)
			if err != nil {
				return err
			}
			log.Info().Str("producer_id", id).Str("kind", kind).Str("chat", a.ChatMode(id).String()).Msg("published")
		}
	case "subscribe":
		if err := a.Subscribe(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for id, st := range a.Streams() {
				log.Info().Str("producer_id", id).Uint64("packets", st.Packets).Uint64("bytes", st.Bytes).Msg("receiving")
			}
		}
	}
}
