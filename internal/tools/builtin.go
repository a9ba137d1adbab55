// Package tools defines the built-in tools toolrelay serves from its
// own tool server.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // current_time must resolve zones on hosts without a zoneinfo database
	"unicode"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/nugget/toolrelay/internal/fetch"
	"github.com/nugget/toolrelay/internal/toolserver"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo back"`
}

type timeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA zone name such as Europe/Berlin; defaults to UTC"`
}

type wordCountArgs struct {
	Text string `json:"text" jsonschema:"description=Text to analyse"`
}

type uuidArgs struct{}

type qrArgs struct {
	Text string `json:"text" jsonschema:"description=Text or URL to encode"`
}

type fetchArgs struct {
	URL      string `json:"url" jsonschema:"description=Page to fetch; https:// is assumed when no scheme is given"`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"description=Maximum characters of text to return,minimum=1"`
}

// clock is replaced in tests.
var clock = time.Now

var fetcher = fetch.New()

// Builtins returns the built-in tool table.
func Builtins() []toolserver.Tool {
	return []toolserver.Tool{
		toolserver.MustTyped("echo", "Echo the given text back, prefixed with \"Echo: \".", echo),
		toolserver.MustTyped("current_time", "Return the current date and time in RFC 3339 format.", currentTime),
		toolserver.MustTyped("word_count", "Count the words, lines and characters in a piece of text.", wordCount),
		toolserver.MustTyped("new_uuid", "Generate a new time-ordered UUID (version 7).", newUUID),
		toolserver.MustTyped("qr_code", "Encode text as a QR code drawn with block characters, for display in a terminal.", qrCode),
		toolserver.MustTyped("fetch_url", "Fetch a web page and return its title and readable text as JSON.", fetchURL),
	}
}

// Register adds every built-in tool to srv.
func Register(srv *toolserver.Server) error {
	for _, t := range Builtins() {
		if err := srv.Register(t); err != nil {
			return fmt.Errorf("register built-in %s: %w", t.Name, err)
		}
	}
	return nil
}

func echo(_ context.Context, args echoArgs) (string, error) {
	return "Echo: " + args.Text, nil
}

func currentTime(_ context.Context, args timeArgs) (string, error) {
	loc := time.UTC
	if args.Timezone != "" {
		l, err := time.LoadLocation(args.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", args.Timezone)
		}
		loc = l
	}
	return clock().In(loc).Format(time.RFC3339), nil
}

func wordCount(_ context.Context, args wordCountArgs) (string, error) {
	words := len(strings.FieldsFunc(args.Text, unicode.IsSpace))
	lines := 0
	if args.Text != "" {
		lines = strings.Count(args.Text, "\n") + 1
	}
	chars := len([]rune(args.Text))
	return fmt.Sprintf("words=%d lines=%d characters=%d", words, lines, chars), nil
}

func newUUID(context.Context, uuidArgs) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}

func fetchURL(ctx context.Context, args fetchArgs) (string, error) {
	page, err := fetcher.Fetch(ctx, args.URL, args.MaxChars)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(page)
	if err != nil {
		return "", fmt.Errorf("encode page: %w", err)
	}
	return string(out), nil
}

// qrCode draws each module as two characters wide so the code stays
// roughly square in a terminal.
func qrCode(_ context.Context, args qrArgs) (string, error) {
	if args.Text == "" {
		return "", fmt.Errorf("text is required")
	}
	q, err := qrcode.New(args.Text, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("encode qr code: %w", err)
	}
	var b strings.Builder
	for _, row := range q.Bitmap() {
		for _, dark := range row {
			if dark {
				b.WriteString("██")
			} else {
				b.WriteString("  ")
			}
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}
