package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shinyyama/farm-market-backend/internal/chatclient"
	"github.com/shinyyama/farm-market-backend/internal/config"
	"github.com/shinyyama/farm-market-backend/internal/logging"
	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/shinyyama/farm-market-backend/internal/realtime"
)

const help = `commands:
  /open <userId>   open the conversation with a farmer (or buyer when ROLE=farmer)
  /list            show conversations
  /img <url>       send an image message
  /retry <n>       resend failed message n
  /discard <n>     drop failed message n
  /quit
anything else is sent as a text message`

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chatclient.New(cfg.APIURL, cfg.Token, chatclient.Options{Log: logger})
	if err != nil {
		logger.Fatalf("client init error: %v", err)
	}
	defer client.Close()

	agg := chatclient.NewAggregator(client, chatclient.AggregatorOptions{
		Interval: cfg.SummaryPoll,
		Debounce: cfg.SummaryDebounce,
	}, logger)
	if err := agg.Start(ctx); err != nil {
		logger.Fatalf("summary init error: %v", err)
	}
	defer agg.Stop()

	sess := chatclient.NewSession(client, cfg.UserID, agg, chatclient.SessionOptions{
		SubmitTimeout:   cfg.SubmitTimeout,
		ReconcileWindow: cfg.ReconcileWindow,
		OnChange:        func(convID uint64, entries []chatclient.Entry) { render(convID, entries) },
		OnEvent: func(ev chatclient.Event) {
			if ev.Type == realtime.FrameError {
				fmt.Printf("! %s: %s\n", ev.Code, ev.Reason)
			}
		},
	}, logger)
	go func() {
		if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warnf("session stopped: %v", err)
		}
	}()

	fmt.Println(help)
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := handleLine(ctx, strings.TrimSpace(line), cfg, client, sess, agg); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, line string, cfg *config.ClientConfig, client *chatclient.Client, sess *chatclient.Session, agg *chatclient.Aggregator) bool {
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return true
	case "/help":
		fmt.Println(help)
	case "/list":
		list, err := agg.Refresh(ctx)
		if err != nil {
			fmt.Printf("! %v\n", err)
			return false
		}
		for _, s := range list {
			fmt.Printf("#%d %-20s unread=%d  %s\n", s.ID, s.OtherName, s.UnreadCount, s.LastMessage)
		}
	case "/open":
		cv, err := client.OpenConversation(ctx, cfg.Role, arg)
		if err != nil {
			fmt.Printf("! %v\n", err)
			return false
		}
		if err := sess.Open(ctx, cv.ID); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case "/img":
		if _, err := sess.Send(ctx, arg, model.MessageKindImage); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case "/retry", "/discard":
		e, ok := failedEntry(sess, arg)
		if !ok {
			fmt.Println("! no such failed message")
			return false
		}
		var err error
		if cmd == "/retry" {
			_, err = sess.Retry(ctx, e.TempID)
		} else {
			err = sess.Discard(e.TempID)
		}
		if err != nil {
			fmt.Printf("! %v\n", err)
		}
	default:
		if _, err := sess.Send(ctx, line, model.MessageKindText); err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
	return false
}

// failedEntry resolves the 1-based index shown by render.
func failedEntry(sess *chatclient.Session, arg string) (chatclient.Entry, bool) {
	tl := sess.Timeline()
	if tl == nil {
		return chatclient.Entry{}, false
	}
	var n int
	if _, err := fmt.Sscanf(arg, "%d", &n); err != nil || n < 1 {
		return chatclient.Entry{}, false
	}
	i := 0
	for _, e := range tl.Render() {
		if e.State != chatclient.StateFailed {
			continue
		}
		if i++; i == n {
			return e, true
		}
	}
	return chatclient.Entry{}, false
}

func render(convID uint64, entries []chatclient.Entry) {
	fmt.Printf("--- conversation #%d\n", convID)
	failed := 0
	for _, e := range entries {
		body := e.Message.Content
		if e.Message.Kind == model.MessageKindImage {
			body = "[photo] " + body
		}
		switch e.State {
		case chatclient.StateConfirmed:
			fmt.Printf("%s %s: %s\n", e.Message.CreatedAt.Local().Format("15:04"), e.Message.SenderUID, body)
		case chatclient.StatePending:
			fmt.Printf("  ... %s (sending)\n", body)
		case chatclient.StateFailed:
			failed++
			fmt.Printf("  [%d] %s (failed: %s)\n", failed, body, e.Reason)
		}
	}
}
