// Command duasync-client is a line-oriented session client. It connects to
// a duasync server, mirrors the session state and reads commands from stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"duasync/internal/client"
	"duasync/internal/content"
	"duasync/internal/observability"
	"duasync/pkg/types"
)

const usage = `commands:
  create NAME                 start a session as host
  join ID NAME                join a session
  rejoin ID NAME [host]       rejoin after a disconnect
  select TYPE ID TITLE        host: show content to everyone
  clear                       host: deselect content
  local TYPE ID TITLE         browse on your own
  next | prev                 move one unit
  sync                        follow the host again
  transfer CONNECTION_ID      host: hand over the host role
  settings JSON               host: publish display settings
  list [TYPE]                 list catalog items
  state                       print the current state
  quit`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, in io.Reader, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("duasync-client", flag.ContinueOnError)
	fs.SetOutput(errOut)
	url := fs.String("url", "ws://localhost:3001/ws", "server websocket URL")
	duaDir := fs.String("content-dir", "", "directory with bundled dua files (served without the server)")
	level := fs.String("log-level", "warn", "log level")
	watch := fs.Bool("watch", true, "print state after every change")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	zerolog.SetGlobalLevel(observability.ParseLevel(*level))
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: errOut, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	if !strings.HasPrefix(*url, "ws://") && !strings.HasPrefix(*url, "wss://") {
		fmt.Fprintf(errOut, "invalid -url %q: must start with ws:// or wss://\n", *url)
		return 1
	}

	transport := client.NewTransport(*url, client.DefaultTransportOptions())
	remote := client.NewCachingResolver(client.NewRemoteResolver(transport), transport.Online)
	routes := map[string]client.Resolver{}
	if *duaDir != "" {
		local, err := loadBundled(*duaDir)
		if err != nil {
			fmt.Fprintf(errOut, "failed to load bundled content: %v\n", err)
			return 1
		}
		routes[types.ContentTypeDua] = local
	}

	printer := &statePrinter{out: out}
	opts := client.AgentOptions{}
	if *watch {
		opts.OnChange = printer.print
	}
	agent := client.NewAgent(transport, client.NewTypeResolver(routes, remote), opts)
	transport.SetListener(agent)
	transport.Start()
	defer func() { _ = transport.Close() }()

	sh := &shell{agent: agent, out: printer}
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if !sh.execute(scanner.Text()) {
			break
		}
	}
	return 0
}

// localWriter collects imported items into a LocalResolver
type localWriter struct {
	resolver *client.LocalResolver
}

func (w localWriter) ReplaceItems(_ context.Context, items []content.Item) error {
	for _, it := range items {
		w.resolver.Add(&types.ContentBody{ContentMetadata: it.Metadata, Units: it.Units})
	}
	return nil
}

// loadBundled reads dua files with the same importer the server uses
func loadBundled(dir string) (*client.LocalResolver, error) {
	resolver := client.NewLocalResolver()
	stats, err := content.NewImporter(localWriter{resolver}, dir).Import(context.Background())
	if err != nil {
		return nil, err
	}
	log.Info().Int("duas", stats.Duas).Str("dir", dir).Msg("bundled content loaded")
	return resolver, nil
}

// statePrinter serializes writes from the agent callback and the shell
type statePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *statePrinter) print(s client.State) {
	p.line(describe(s))
}

func (p *statePrinter) line(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func describe(s client.State) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(s.ConnectionStatus)
	if s.InSession() {
		role := "participant"
		if s.IsHost {
			role = "host"
		}
		fmt.Fprintf(&b, " %s %s %s", s.SessionID, s.Name, role)
		if !s.IsSynced {
			b.WriteString(" browsing")
		}
		fmt.Fprintf(&b, " %d online", len(s.Participants))
	}
	b.WriteString("]")

	switch {
	case s.LocalContent == nil:
		b.WriteString(" nothing selected")
	default:
		fmt.Fprintf(&b, " %s/%s %q", s.LocalContent.Type, s.LocalContent.ID, s.LocalContent.Title)
		if total := s.LocalContent.TotalUnits; total > 0 {
			fmt.Fprintf(&b, " %d/%d", s.LocalIndex+1, total)
		} else {
			fmt.Fprintf(&b, " #%d", s.LocalIndex+1)
		}
		if s.IsLoading {
			b.WriteString(" loading")
		}
	}
	if s.Error != "" {
		fmt.Fprintf(&b, " ! %s", s.Error)
	}
	return b.String()
}

// controller is the part of client.Agent the shell drives
type controller interface {
	State() client.State
	CreateSession(name string) error
	JoinSession(sessionID, name string) error
	Rejoin(sessionID, name string, asHost bool) error
	SelectAsHost(ref *types.ContentRef) error
	SelectLocally(ref *types.ContentRef)
	Navigate(direction int) error
	SyncToHost() error
	TransferHost(targetConnectionID string) error
	UpdateSettings(settings interface{}) error
	LoadMetadata(ctx context.Context, contentType string) ([]types.ContentMetadata, error)
}

var errUsage = errors.New("bad arguments")

type shell struct {
	agent controller
	out   *statePrinter
}

// execute runs one command line; it returns false on quit
func (sh *shell) execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch cmd {
	case "quit", "exit":
		return false
	case "help":
		sh.out.line("%s", usage)
	case "create":
		err = needArgs(args, 1, func() error { return sh.agent.CreateSession(strings.Join(args, " ")) })
	case "join":
		err = needArgs(args, 2, func() error {
			return sh.agent.JoinSession(args[0], strings.Join(args[1:], " "))
		})
	case "rejoin":
		err = needArgs(args, 2, func() error {
			asHost := len(args) > 2 && strings.EqualFold(args[len(args)-1], "host")
			nameArgs := args[1:]
			if asHost {
				nameArgs = nameArgs[:len(nameArgs)-1]
			}
			if len(nameArgs) == 0 {
				return errUsage
			}
			return sh.agent.Rejoin(args[0], strings.Join(nameArgs, " "), asHost)
		})
	case "select":
		err = needArgs(args, 3, func() error { return sh.agent.SelectAsHost(parseRef(args)) })
	case "clear":
		err = sh.agent.SelectAsHost(nil)
	case "local":
		err = needArgs(args, 3, func() error {
			sh.agent.SelectLocally(parseRef(args))
			return nil
		})
	case "next":
		err = sh.agent.Navigate(1)
	case "prev":
		err = sh.agent.Navigate(-1)
	case "sync":
		err = sh.agent.SyncToHost()
	case "transfer":
		err = needArgs(args, 1, func() error { return sh.agent.TransferHost(args[0]) })
	case "settings":
		err = needArgs(args, 1, func() error {
			var v interface{}
			if jerr := json.Unmarshal([]byte(strings.Join(args, " ")), &v); jerr != nil {
				return fmt.Errorf("settings must be JSON: %w", jerr)
			}
			return sh.agent.UpdateSettings(v)
		})
	case "list":
		err = sh.list(args)
	case "state":
		sh.out.print(sh.agent.State())
	default:
		sh.out.line("unknown command %q (try help)", cmd)
		return true
	}

	if errors.Is(err, errUsage) {
		sh.out.line("usage error for %q (try help)", cmd)
	} else if err != nil {
		sh.out.line("error: %v", err)
	}
	return true
}

func (sh *shell) list(args []string) error {
	contentType := ""
	if len(args) > 0 {
		contentType = args[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := sh.agent.LoadMetadata(ctx, contentType)
	if err != nil {
		return err
	}
	for _, it := range items {
		sh.out.line("%s %s %q (%s units)", it.Type, it.ID, it.Title, unitCount(it.TotalUnits))
	}
	return nil
}

func unitCount(n int) string {
	if n <= 0 {
		return "?"
	}
	return strconv.Itoa(n)
}

func needArgs(args []string, n int, fn func() error) error {
	if len(args) < n {
		return errUsage
	}
	return fn()
}

func parseRef(args []string) *types.ContentRef {
	return &types.ContentRef{
		Type:  strings.ToLower(args[0]),
		ID:    args[1],
		Title: strings.Join(args[2:], " "),
	}
}
