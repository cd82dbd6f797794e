package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"

	"carebot/internal/transport"
	logx "carebot/pkg/logx"
)

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText(short) = %q", got)
	}

	para := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30) + "\n" + strings.Repeat("c", 30)
	got := splitText(para, 40)
	if len(got) != 3 {
		t.Fatalf("splitText(para) = %q, want 3 chunks on newlines", got)
	}
	for i, c := range got {
		if strings.Contains(c, "\n") || utf8.RuneCountInString(c) != 30 {
			t.Fatalf("chunk %d = %q", i, c)
		}
	}

	// No newline: hard cut by runes, not bytes.
	long := strings.Repeat("💧", 25)
	got = splitText(long, 10)
	if len(got) != 3 || utf8.RuneCountInString(got[2]) != 5 {
		t.Fatalf("splitText(emoji) = %d chunks", len(got))
	}
	if strings.Join(got, "") != long {
		t.Fatal("chunks must reassemble the original text")
	}
}

func TestMenuHashChangesWithCommands(t *testing.T) {
	a := []transport.BotCommand{{Command: "help", Description: "show help"}}
	b := []transport.BotCommand{{Command: "help", Description: "show commands"}}
	if menuHash(a) == menuHash(b) {
		t.Fatal("different descriptions must hash differently")
	}
	if menuHash(a) != menuHash(append([]transport.BotCommand(nil), a...)) {
		t.Fatal("hash must be stable")
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Token: " "}, logx.Nop()); err == nil {
		t.Fatal("New() accepted an empty token")
	}
	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New(offline) error: %v", err)
	}
	a.SetRate(0)
	if a.limiter.Burst() != 25 {
		t.Fatalf("default burst = %d", a.limiter.Burst())
	}
}
