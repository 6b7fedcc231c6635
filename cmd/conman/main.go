// Command conman is the ConMan client: it attaches the user's
// terminal to one or more consoles served by conmand.
package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/dhodovsk/conman/internal/protocol"
	"github.com/dhodovsk/conman/internal/termstate"
)

type options struct {
	destination string
	escape      string
	monitor     bool
	query       bool
	force       bool
	broadcast   bool
	join        bool
	regex       bool
	quiet       bool
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:   "conman [flags] <console-pattern>...",
		Short: "Attach to one or more ConMan consoles",
		Args:  cobra.MinimumNArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, args)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&opts.destination, "destination", "d", "127.0.0.1:7890", "conmand host:port")
	flags.StringVarP(&opts.escape, "escape", "e", "&", "local escape character")
	flags.BoolVarP(&opts.monitor, "monitor", "m", false, "read-only monitor instead of CONNECT")
	flags.BoolVarP(&opts.query, "query", "Q", false, "list matching consoles and exit")
	flags.BoolVarP(&opts.force, "force", "f", false, "displace the current writer")
	flags.BoolVarP(&opts.broadcast, "broadcast", "b", false, "write to every matched console")
	flags.BoolVarP(&opts.join, "join", "j", false, "if a later forced connect takes this session's write access, notify both sessions")
	flags.BoolVarP(&opts.regex, "regex", "r", false, "treat patterns as extended regex instead of glob")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress this session's logfile copy")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "conman:", err)
		os.Exit(1)
	}
}

func run(opts *options, patterns []string) error {
	if len(patterns) == 0 && !opts.query {
		return fmt.Errorf("at least one console pattern is required")
	}
	if len(opts.escape) != 1 {
		return fmt.Errorf("--escape must be exactly one character")
	}

	conn, err := net.Dial("tcp", opts.destination)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.destination, err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	if _, err := conn.Write([]byte(protocol.EncodeGreeting(currentUser()))); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	if err := expectOK(r); err != nil {
		return err
	}

	req := &protocol.Request{
		ConsolePattern: patterns,
		Force:          opts.force,
		Broadcast:      opts.broadcast,
		Join:           opts.join,
		Regex:          opts.regex,
		Quiet:          opts.quiet,
	}
	switch {
	case opts.query:
		req.Command = protocol.CmdQuery
	case opts.monitor:
		req.Command = protocol.CmdMonitor
	default:
		req.Command = protocol.CmdConnect
	}

	if _, err := conn.Write([]byte(protocol.EncodeRequest(req))); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if err := expectOK(r); err != nil {
		return err
	}

	if opts.query {
		return printConsoleList(r)
	}

	return pump(conn, r, opts.escape[0])
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// expectOK reads one response line and returns nil on "OK", or a
// descriptive error carrying the server's ERROR message.
func expectOK(r *bufio.Reader) error {
	line, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	ok, protoErr, err := protocol.ParseResponse(line)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return fmt.Errorf("server: %s", protoErr.Message)
}

func printConsoleList(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			fmt.Print(line)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// escState is the client-local mirror of the server's two-state escape
// recognizer (mux.FilterEscapes): it is the inverse direction,
// translating the user's local escape character into the
// 0xFF-prefixed wire sequence the mux expects, rather than stripping
// one out.
type escState int

const (
	escIdle escState = iota
	escAwaitCmd
)

var localEscapeCommands = map[byte]byte{
	'b': 'B', 'B': 'B',
	'.': '.',
	'?': '?',
	'i': 'I', 'I': 'I',
	'l': 'L', 'L': 'L',
	'q': 'Q', 'Q': 'Q',
	'z': 'Z', 'Z': 'Z',
}

// pump puts the terminal into raw mode and copies bytes between stdin,
// the connection, and stdout until either side closes, translating the
// local escape character into the wire's in-band escape sequences.
func pump(conn net.Conn, serverReader *bufio.Reader, escChar byte) error {
	raw, err := termstate.Enter(os.Stdin)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer raw.Restore()

	done := make(chan error, 2)

	go func() {
		_, err := io.Copy(os.Stdout, serverReader)
		done <- err
	}()

	go func() {
		done <- copyStdinWithEscapes(conn, escChar)
	}()

	return <-done
}

func copyStdinWithEscapes(conn net.Conn, escChar byte) error {
	state := escIdle
	buf := make([]byte, 4096)
	out := make([]byte, 0, len(buf)*2)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			out = out[:0]
			for _, b := range buf[:n] {
				switch state {
				case escIdle:
					if b == escChar {
						state = escAwaitCmd
						continue
					}
					if b == 0xFF {
						out = append(out, 0xFF, 0xFF) // double a literal 0xFF on the wire
						continue
					}
					out = append(out, b)
				case escAwaitCmd:
					state = escIdle
					if b == escChar {
						out = append(out, escChar) // doubled escape char: literal
						continue
					}
					if wireByte, ok := localEscapeCommands[b]; ok {
						out = append(out, 0xFF, wireByte)
						if wireByte == '.' {
							// local disconnect: flush the sequence so the
							// server tears the session down, then exit
							_, werr := conn.Write(out)
							return werr
						}
						continue
					}
					// unrecognized command letter: drop the sequence
				}
			}
			if len(out) > 0 {
				if _, werr := conn.Write(out); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
