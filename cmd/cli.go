//go:build linux
// +build linux

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fzft/nbconn/deps/linenoise"
	"github.com/fzft/nbconn/node"
	"github.com/mattn/go-isatty"
)

var (
	CliHisFileEnv     = "NBCONN_CLI_HISTFILE"
	CliHisFileDefault = ".nbconn_history"
)

const crlf = "\r\n"

type CliConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Cli is a line client for the CRLF echo protocol. It is interactive when
// stdin is a terminal and pipes stdin line by line otherwise.
type Cli struct {
	config  *CliConfig
	reactor *node.Reactor
	conn    *node.BlockingConn
	in      io.Reader
	out     io.Writer
}

func NewCli(config *CliConfig, r *node.Reactor) *Cli {
	return &Cli{
		config:  config,
		reactor: r,
		in:      os.Stdin,
		out:     os.Stdout,
	}
}

func (cli *Cli) Version(version, gitSHA1, gitDirty string) string {
	// Add git commit and working tree status when available
	if sha1Int, err := strconv.ParseInt(gitSHA1, 16, 64); err == nil && sha1Int != 0 {
		version = fmt.Sprintf("%s (git:%s", version, gitSHA1)
		if dirtyInt, err := strconv.ParseInt(gitDirty, 10, 64); err == nil && dirtyInt != 0 {
			version = fmt.Sprintf("%s-dirty", version)
		}
		version = fmt.Sprintf("%s)", version)
	}
	return version
}

func (cli *Cli) Run(ctx context.Context) error {
	if err := cli.connect(ctx); err != nil {
		return err
	}
	defer func() {
		if cli.conn != nil {
			_ = cli.conn.Close()
		}
	}()

	if f, ok := cli.in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return cli.repl(ctx)
	}
	return cli.pipe()
}

func (cli *Cli) connect(ctx context.Context) error {
	if cli.conn != nil {
		_ = cli.conn.Close()
		cli.conn = nil
	}
	conn, err := cli.reactor.OpenBlocking(ctx, cli.config.Host, cli.config.Port,
		node.WithReadTimeout(cli.config.ReadTimeout),
		node.WithWriteTimeout(cli.config.WriteTimeout))
	if err != nil {
		return fmt.Errorf("could not connect to %s:%d: %w", cli.config.Host, cli.config.Port, err)
	}
	cli.conn = conn
	return nil
}

func (cli *Cli) prompt() string {
	if cli.conn == nil || !cli.conn.IsOpen() {
		return "not connected> "
	}
	return fmt.Sprintf("%s:%d> ", cli.config.Host, cli.config.Port)
}

func (cli *Cli) repl(ctx context.Context) error {
	line := linenoise.New()
	defer line.Close()

	historyFile := getDotfilePath(CliHisFileEnv, CliHisFileDefault)
	if historyFile != "" {
		_ = line.HistoryLoad(historyFile)
	}

	for {
		input, err := line.Prompt(cli.prompt())
		if err != nil {
			// ctrl-c, ctrl-d
			break
		}
		argv := strings.Fields(input)
		if len(argv) == 0 {
			continue
		}
		line.AppendHistory(input)
		if historyFile != "" {
			_ = line.HistorySave(historyFile)
		}

		switch {
		case strings.EqualFold(argv[0], "quit") || strings.EqualFold(argv[0], "exit"):
			return nil
		case strings.EqualFold(argv[0], "clear") && len(argv) == 1:
			_ = linenoise.ClearScreen(cli.out)
		case strings.EqualFold(argv[0], "connect") && len(argv) == 3:
			port, err := strconv.Atoi(argv[2])
			if err != nil {
				fmt.Fprintln(cli.out, "Invalid port number")
				continue
			}
			cli.config.Host, cli.config.Port = argv[1], port
			if err := cli.connect(ctx); err != nil {
				fmt.Fprintln(cli.out, err)
			}
		default:
			if cli.conn == nil || !cli.conn.IsOpen() {
				fmt.Fprintln(cli.out, "not connected")
				continue
			}
			start := time.Now()
			reply, err := cli.roundTrip(input)
			if err != nil {
				fmt.Fprintf(cli.out, "(error) %v\n", err)
				continue
			}
			fmt.Fprintln(cli.out, reply)
			cli.printPushed()
			fmt.Fprintf(cli.out, "(%.2fs)\n", time.Since(start).Seconds())
		}
	}
	return nil
}

// pipe sends every stdin line and prints the reply.
func (cli *Cli) pipe() error {
	scanner := bufio.NewScanner(cli.in)
	for scanner.Scan() {
		reply, err := cli.roundTrip(scanner.Text())
		if err != nil {
			return err
		}
		fmt.Fprintln(cli.out, reply)
	}
	return scanner.Err()
}

func (cli *Cli) roundTrip(line string) (string, error) {
	if _, err := cli.conn.WriteString(line + crlf); err != nil {
		return "", err
	}
	return cli.conn.ReadStringByDelimiter(crlf)
}

// printPushed prints lines the server pushed on its own and that are already buffered.
func (cli *Cli) printPushed() {
	raw := cli.conn.Conn()
	for {
		line, err := raw.ReadStringByDelimiter(crlf)
		if err != nil {
			if !errors.Is(err, node.ErrUnderflow) {
				fmt.Fprintf(cli.out, "(error) %v\n", err)
			}
			return
		}
		fmt.Fprintf(cli.out, "(push) %s\n", line)
	}
}

func getDotfilePath(envOverride, dotFilename string) string {
	path := os.Getenv(envOverride)
	if path != "" {
		if path == "/dev/null" {
			return ""
		}
		return path
	}
	if home := os.Getenv("HOME"); home != "" {
		return fmt.Sprintf("%s/%s", home, dotFilename)
	}
	return ""
}
