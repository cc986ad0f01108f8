package cmd

import (
	"fmt"
	"io"
)

func Usage(out io.Writer, version string) {
	fmt.Fprintf(out, `nbconn %s

Usage: nbconn <serve|proxy|cli|version|help> [OPTIONS]

Commands:
  serve              Run the CRLF line echo server.
  proxy              Relay every accepted connection to the forward address.
  cli                Interactive line client (pipes stdin when it is not a tty).
  version            Output version and exit.
  help               Output this help and exit.

Options:
  -config <file>     YAML configuration file (default: nbconn.yaml).
                     Every value can be overridden by NBCONN_<SECTION>_<KEY>
                     environment variables, e.g. NBCONN_SERVER_WORKERS=4.
  -push <interval>   serve: push a heartbeat line every interval (e.g. 5s).
  -greeting <line>   serve: send a status line to every new connection.
  -listen <addr>     proxy: listen address (overrides proxy.listen).
  -forward <addr>    proxy: forward address (overrides proxy.forward).
  -host <hostname>   cli: server hostname (default: 127.0.0.1).
  -port <port>       cli: server port (default: 9050).

`, version)
}
