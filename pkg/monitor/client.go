package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const (
	DefaultDialTimeout = 2 * time.Second
	DefaultTimeout     = 10 * time.Second
)

// Dialer opens monitor connections. The zero value uses the default
// timeouts.
type Dialer struct {
	// DialTimeout bounds the socket connect.
	DialTimeout time.Duration
	// Timeout bounds each round trip when ctx carries no earlier deadline.
	Timeout time.Duration
}

// Client is a single QMP connection with at most one command in flight.
type Client struct {
	conn    net.Conn
	dec     *json.Decoder
	enc     *json.Encoder
	timeout time.Duration
	path    string
}

func Dial(ctx context.Context, socketPath string) (*Client, error) {
	return Dialer{}.Dial(ctx, socketPath)
}

// Do connects, runs fn and closes the connection.
func Do(ctx context.Context, socketPath string, fn func(*Client) error) error {
	return Dialer{}.Do(ctx, socketPath, fn)
}

// Dial connects to the socket and completes the capabilities handshake.
func (d Dialer) Dial(ctx context.Context, socketPath string) (*Client, error) {
	dialTimeout := d.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	nd := net.Dialer{Timeout: dialTimeout}
	conn, err := nd.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, errors.Errorf("%w: connecting to %s: %w", ErrUnavailable, socketPath, err)
	}

	c := &Client{
		conn:    conn,
		dec:     json.NewDecoder(conn),
		enc:     json.NewEncoder(conn),
		timeout: timeout,
		path:    socketPath,
	}

	// the reply is consumed but not inspected
	if _, err := c.roundTrip(ctx, qmp.Command{Execute: "qmp_capabilities"}); err != nil {
		conn.Close()
		return nil, errors.Errorf("%w: handshake with %s: %w", ErrUnavailable, socketPath, err)
	}

	zerolog.Ctx(ctx).Debug().Str("socket", socketPath).Msg("Connected to QMP monitor")
	return c, nil
}

func (d Dialer) Do(ctx context.Context, socketPath string, fn func(*Client) error) error {
	c, err := d.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Execute runs an HMP command line. It succeeds only when the monitor
// answers with an empty return value.
func (c *Client) Execute(ctx context.Context, commandLine string) error {
	resp, err := c.hmp(ctx, commandLine)
	if err != nil {
		return err
	}
	if !resp.Empty() {
		return errors.WithStack(&CommandError{Command: commandLine, Response: resp})
	}
	return nil
}

// Run executes an HMP command line and returns its text output.
func (c *Client) Run(ctx context.Context, commandLine string) (string, error) {
	resp, err := c.hmp(ctx, commandLine)
	if err != nil {
		return "", err
	}
	text, ok := resp.Text()
	if !ok {
		if resp.Empty() {
			return "", nil
		}
		return "", errors.WithStack(&CommandError{Command: commandLine, Response: resp})
	}
	return text, nil
}

// Command runs a raw QMP command and returns the decoded reply.
func (c *Client) Command(ctx context.Context, execute string, args any) (Response, error) {
	return c.roundTrip(ctx, qmp.Command{Execute: execute, Args: args})
}

func (c *Client) hmp(ctx context.Context, commandLine string) (Response, error) {
	zerolog.Ctx(ctx).Debug().Str("socket", c.path).Str("command", commandLine).Msg("Sending monitor command")

	return c.roundTrip(ctx, qmp.Command{
		Execute: "human-monitor-command",
		Args:    map[string]string{"command-line": commandLine},
	})
}

func (c *Client) roundTrip(ctx context.Context, cmd qmp.Command) (Response, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, errors.Errorf("setting deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.enc.Encode(cmd); err != nil {
		return Response{}, errors.Errorf("writing %s: %w", cmd.Execute, err)
	}

	for {
		var raw json.RawMessage
		if err := c.dec.Decode(&raw); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Decode(c.resync()), nil
			}
			if ctx.Err() != nil {
				return Response{}, errors.Errorf("reading reply to %s: %w", cmd.Execute, ctx.Err())
			}
			return Response{}, errors.Errorf("reading reply to %s: %w", cmd.Execute, err)
		}

		var frame map[string]json.RawMessage
		if err := json.Unmarshal(raw, &frame); err == nil {
			if _, ok := frame["QMP"]; ok {
				continue
			}
			if _, ok := frame["event"]; ok {
				zerolog.Ctx(ctx).Debug().RawJSON("event", raw).Msg("Skipping monitor event")
				continue
			}
		}
		return Decode(raw), nil
	}
}

// resync returns the undecodable bytes up to the next newline and restarts
// decoding after them. A json.Decoder stays failed after a syntax error.
func (c *Client) resync() []byte {
	buf, _ := io.ReadAll(c.dec.Buffered())
	bad, rest, _ := bytes.Cut(buf, []byte("\n"))
	c.dec = json.NewDecoder(io.MultiReader(bytes.NewReader(rest), c.conn))
	return bad
}

// Execute dials socketPath, runs one HMP command line and disconnects.
func (d Dialer) Execute(ctx context.Context, socketPath, commandLine string) error {
	return d.Do(ctx, socketPath, func(c *Client) error {
		return c.Execute(ctx, commandLine)
	})
}
