// Wstest tests this module's WebSocket implementation against the
// fuzzing server of the [Autobahn Testsuite].
//
// [Autobahn Testsuite]: https://github.com/crossbario/autobahn-testsuite
package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/rs/zerolog"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/strand/internal/logger"
	"github.com/tzrikka/strand/pkg/extension/deflate"
	"github.com/tzrikka/strand/pkg/frame"
	"github.com/tzrikka/strand/pkg/handshake"
	"github.com/tzrikka/strand/pkg/websocket"
	"github.com/tzrikka/xdg"
)

const (
	ConfigDirName  = "strand"
	ConfigFileName = "config.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "wstest",
		Usage:   "Runs the Autobahn Testsuite fuzzing server's cases against this WebSocket client",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			l := logger.New(cmd.Bool("dev") || cmd.Bool("pretty-log"))
			return run(logger.WithContext(ctx, l), cmd)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	path := configFile()
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "human-readable trace logging, instead of JSON",
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "alias for --dev",
		},
		&cli.StringFlag{
			Name:  "server-url",
			Usage: "base URL of the Autobahn fuzzing server",
			Value: "ws://127.0.0.1:9001",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSTEST_SERVER_URL"),
				toml.TOML("wstest.server_url", path),
			),
		},
		&cli.StringFlag{
			Name:  "agent",
			Usage: "agent name to report to the fuzzing server",
			Value: "strand",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSTEST_AGENT"),
				toml.TOML("wstest.agent", path),
			),
		},
		&cli.BoolFlag{
			Name:  "compression",
			Usage: "offer the permessage-deflate extension",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WSTEST_COMPRESSION"),
				toml.TOML("wstest.compression", path),
			),
		},
	}
}

// configFile returns the path to the app's configuration file.
// It also creates an empty file if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, ConfigDirName, ConfigFileName)
	if err != nil {
		fmt.Printf("Error: failed to create config file: %v\n", err)
		os.Exit(1)
	}
	return altsrc.StringSourcer(path)
}

func run(ctx context.Context, cmd *cli.Command) error {
	baseURL := cmd.String("server-url")
	agent := cmd.String("agent")
	compress := cmd.Bool("compression")
	l := zerolog.Ctx(ctx)

	n, err := caseCount(ctx, baseURL)
	if err != nil {
		return err
	}
	l.Info().Int("count", n).Msg("retrieved enabled test case count")

	for i := 1; i <= n; i++ {
		runCase(ctx, baseURL, agent, i, compress)
	}

	return updateReports(ctx, baseURL, agent)
}

// dial connects and upgrades to the given ws:// URL.
func dial(ctx context.Context, wsURL string, compress bool) (*websocket.Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse WebSocket URL: %w", err)
	}
	if u.Scheme != "ws" {
		return nil, fmt.Errorf("unexpected WebSocket URL scheme: %q", u.Scheme)
	}

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Host, "80")
	}
	stream, err := net.Dial("tcp", host)
	if err != nil {
		return nil, err
	}

	resource := u.RequestURI()
	client := handshake.NewClient(ctx, stream, u.Host, resource)
	if compress {
		client.AddExtension(deflate.New(frame.SideClient))
	}

	resp, err := client.Handshake()
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	if resp.Kind != handshake.Accepted {
		_ = stream.Close()
		return nil, fmt.Errorf("WebSocket handshake not accepted: HTTP %d", resp.StatusCode)
	}

	return client.Connection(ctx), nil
}

// caseCount retrieves the number of enabled test cases from the
// Autobahn fuzzing server, using a WebSocket request.
func caseCount(ctx context.Context, baseURL string) (int, error) {
	conn, err := dial(ctx, baseURL+"/getCaseCount", false)
	if err != nil {
		return 0, err
	}

	msg, err := conn.Receive()
	if err != nil {
		return 0, err
	}
	_, _ = conn.Receive() // Drain the server-initiated close.

	return strconv.Atoi(string(msg.Data))
}

// updateReports instructs the Autobahn fuzzing server to generate/update
// all the HTML and JSON files for all the test-case results.
func updateReports(ctx context.Context, baseURL, agent string) error {
	zerolog.Ctx(ctx).Info().Msg("updating reports")

	conn, err := dial(ctx, fmt.Sprintf("%s/updateReports?agent=%s", baseURL, agent), false)
	if err != nil {
		return err
	}
	_, _ = conn.Receive()
	return nil
}

// runCase echoes every data message of one test case back to the
// fuzzing server, until the server closes the connection.
func runCase(ctx context.Context, baseURL, agent string, i int, compress bool) {
	l := zerolog.Ctx(ctx).With().Int("case", i).Logger()
	l.Info().Msg("starting test case")

	url := fmt.Sprintf("%s/runCase?case=%d&agent=%s", baseURL, i, agent)
	conn, err := dial(logger.WithContext(ctx, l), url, compress)
	if err != nil {
		l.Error().Err(err).Msg("dial error")
		return
	}

	for {
		msg, err := conn.Receive()
		if err != nil {
			l.Debug().Err(err).Msg("connection closed")
			return
		}

		l.Debug().Str("type", msg.Type.String()).Int("length", len(msg.Data)).
			Msg("echoing message")

		if msg.IsText() {
			err = conn.SendText(string(msg.Data))
		} else {
			err = conn.SendBinary(msg.Data)
		}
		if err != nil {
			l.Error().Err(err).Msg("echo error")
			_ = conn.Close()
			return
		}
		if err := conn.Flush(); err != nil {
			return
		}
	}
}
