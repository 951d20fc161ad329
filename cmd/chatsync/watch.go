package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/marketchat/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	watchMetricsAddr string
	watchBackground  bool
	watchInterval    time.Duration
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	watchCmd.Flags().BoolVar(&watchBackground, "background", false, "Behave as a hidden page: count unread and raise notifications")
	watchCmd.Flags().DurationVar(&watchInterval, "refresh", 500*time.Millisecond, "How often to print new messages")
}

var watchCmd = &cobra.Command{
	Use:   "watch <counterpart>",
	Short: "Follow a conversation live; lines typed on stdin are sent",
	Long: "Open a conversation, print messages as they arrive and send every line read from stdin.\n" +
		"Commands: /hide, /show, /resend <temp-id>, /quit.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}
		counterpart := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		metrics := chatsync.NewMetrics(reg)
		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logrus.WithError(err).Error("metrics_server_failed")
				}
			}()
			defer srv.Close()
		}

		notifier := chatsync.NotifierFunc(func(n chatsync.Notification) {
			fmt.Printf("** %s (%d unread): %s\n", n.Counterpart, n.Unread, n.Message.Text)
		})
		s, err := newSession(cfg, metrics, notifier, watchBackground)
		if err != nil {
			return err
		}
		defer s.close()

		s.conn.OnConnectionChange(func(up bool) {
			if up {
				fmt.Println("-- connected")
			} else {
				fmt.Println("-- disconnected, retrying")
			}
		})
		go func() {
			for err := range s.conn.Errors() {
				logrus.WithError(err).Debug("transport_error")
			}
		}()

		if err := s.conn.Start(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		if err := s.engine.Start(ctx); err != nil {
			return err
		}
		if err := s.engine.OpenConversation(ctx, counterpart); err != nil {
			return err
		}

		lines := make(chan string)
		go func() {
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
			close(lines)
		}()

		printer := newLogPrinter(s.engine, cfg.Default.UserID, counterpart)
		printer.flush()

		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				printer.flush()
			case line, ok := <-lines:
				if !ok {
					s.engine.Wait()
					printer.flush()
					return nil
				}
				if done := handleLine(ctx, s.engine, line); done {
					return nil
				}
			}
		}
	},
}

func handleLine(ctx context.Context, engine *chatsync.Engine, line string) (quit bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/hide":
		engine.SetVisible(ctx, false)
	case line == "/show":
		engine.SetVisible(ctx, true)
	case strings.HasPrefix(line, "/resend "):
		if err := engine.Resend(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/resend "))); err != nil {
			fmt.Fprintf(os.Stderr, "resend: %v\n", err)
		}
	default:
		if _, err := engine.Send(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
	}
	return false
}

// logPrinter prints log entries it has not shown before, including ones
// whose status or failure flag changed.
type logPrinter struct {
	engine      *chatsync.Engine
	self        string
	counterpart string
	shown       map[string]string
}

func newLogPrinter(engine *chatsync.Engine, self, counterpart string) *logPrinter {
	return &logPrinter{engine: engine, self: self, counterpart: counterpart, shown: make(map[string]string)}
}

func (p *logPrinter) flush() {
	for _, m := range p.engine.Log(p.counterpart) {
		line := formatMessage(p.self, m)
		if p.shown[m.ID] == line {
			continue
		}
		p.shown[m.ID] = line
		if chatsync.IsTempID(m.ID) {
			line += "  [" + m.ID + "]"
		}
		fmt.Println(line)
	}
}
