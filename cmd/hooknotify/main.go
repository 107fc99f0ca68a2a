package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"

	"hooknotify/internal/app"
	"hooknotify/internal/embed"
)

func main() {
	var (
		cfgPath  string
		logLevel string
		send     string
		title    string
		timeout  time.Duration
	)
	pflag.StringVarP(&cfgPath, "config", "c", os.Getenv("HOOKNOTIFY_CONFIG"), "path to config (json or yaml); empty uses defaults")
	pflag.StringVar(&logLevel, "log-level", "", "override logging.level")
	pflag.StringVar(&send, "send", "", "send one notification with this text, wait for the outcome and exit")
	pflag.StringVar(&title, "title", "", "embed title for --send (plain content when empty)")
	pflag.DurationVar(&timeout, "timeout", 30*time.Second, "how long --send waits, including shutdown")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath, app.WithLogLevel(logLevel))
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if send != "" {
		os.Exit(sendOnce(ctx, a, send, title, timeout))
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// sendOnce delivers a single message and reports 0 only when it was delivered.
func sendOnce(ctx context.Context, a *app.App, text, title string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		return 1
	}

	msg := embed.Message{Content: text}
	if title != "" {
		ts := time.Now()
		msg = embed.Single(embed.Embed{Title: title, Description: text, Color: embed.ColorInfo, Timestamp: &ts})
	}
	outcome := a.Dispatcher().EnqueueMessage(msg).Wait(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, app.StopOneShot)

	fmt.Println(outcome)
	if !outcome.Delivered() {
		return 1
	}
	return 0
}
