package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)
	cases := []struct {
		level  string
		format string
		ok     bool
	}{
		{"info", "console", true},
		{"DEBUG", "json", true},
		{"warn", "", true},
		{"loud", "console", false},
		{"info", "xml", false},
	}
	for _, c := range cases {
		err := Setup(c.level, c.format)
		if (err == nil) != c.ok {
			t.Fatalf("Setup(%q, %q): got err %v, want ok %v", c.level, c.format, err, c.ok)
		}
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("got level %v, want %v", zerolog.GlobalLevel(), zerolog.WarnLevel)
	}
}
