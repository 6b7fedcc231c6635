package confparse

import (
	"strings"
	"testing"
)

func TestParseFullConfig(t *testing.T) {
	src := `
# a comment line
SERVER listen='127.0.0.1:7890' replaylen='4096'

CONSOLE name='A' dev='/dev/ttyS0' baud='9600' parity='even' stop='2' logfile='A'
CONSOLE name='B' host='10.0.0.5:7000'
LOGFILE name='A' path='/var/log/conman/A.log' timestamp
`
	cfg, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:7890" || cfg.Server.ReplayLen != 4096 {
		t.Fatalf("unexpected server decl: %+v", cfg.Server)
	}
	if len(cfg.Consoles) != 2 {
		t.Fatalf("expected 2 consoles, got %d", len(cfg.Consoles))
	}
	a := cfg.Consoles[0]
	if a.Name != "A" || a.Dev != "/dev/ttyS0" || a.Baud != 9600 || a.Parity != "even" || a.Stop != 2 || a.Logfile != "A" {
		t.Fatalf("unexpected console A: %+v", a)
	}
	b := cfg.Consoles[1]
	if b.Name != "B" || b.Host != "10.0.0.5:7000" || b.Dev != "" {
		t.Fatalf("unexpected console B: %+v", b)
	}
	if len(cfg.Logfiles) != 1 || !cfg.Logfiles[0].Timestamp || cfg.Logfiles[0].Path != "/var/log/conman/A.log" {
		t.Fatalf("unexpected logfile decl: %+v", cfg.Logfiles)
	}
}

func TestParseConsoleDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`CONSOLE name='C' dev='/dev/ttyS1'`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c := cfg.Consoles[0]
	if c.Baud != 9600 || c.Parity != "none" || c.Stop != 1 {
		t.Fatalf("expected serial defaults, got %+v", c)
	}
}

func TestParseRejectsBothDevAndHost(t *testing.T) {
	_, err := Parse(strings.NewReader(`CONSOLE name='X' dev='/dev/ttyS0' host='1.2.3.4:7000'`))
	if err == nil {
		t.Fatal("expected error for conflicting DEV/HOST")
	}
}

func TestParseRejectsMissingTransport(t *testing.T) {
	_, err := Parse(strings.NewReader(`CONSOLE name='X'`))
	if err == nil {
		t.Fatal("expected error for missing DEV/HOST")
	}
}

func TestParseRejectsUnterminatedString(t *testing.T) {
	_, err := Parse(strings.NewReader(`CONSOLE name='X' dev='/dev/ttyS0`))
	if err == nil {
		t.Fatal("expected error for unterminated string")
	}
}

func TestParseSkipsCommentsAndBlankLines(t *testing.T) {
	cfg, err := Parse(strings.NewReader("\n\n# nothing here\n\nSERVER listen='0.0.0.0:7890'\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:7890" {
		t.Fatalf("unexpected server decl: %+v", cfg.Server)
	}
}
