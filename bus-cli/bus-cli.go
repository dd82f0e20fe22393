// Command line client of the bus over gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/tinode/bus/server/bus"
	"github.com/tinode/bus/server/logs"
	"github.com/tinode/bus/server/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	logFlags = flag.String("log_flags", "stdFlags", "comma-separated list of log flags")
	host     = flag.String("host", "localhost:16070", "address of the bus gRPC server")
	login    = flag.String("login", "", "base64-encoded token to log in with")
	code     = flag.String("code", "", "code of the message to send")
	msg      = flag.String("msg", "{}", "JSON body of the message to send")
	rpcKey   = flag.String("rpc", "", "key of the RPC function to call")
	rpcData  = flag.String("data", "", "JSON argument of the RPC call")
	timeout  = flag.Duration("timeout", 5*time.Second, "how long to wait for replies")
	verbose  = flag.Bool("verbose", false, "log full JSON representation of all frames")
)

// client exchanges raw frames with the bus.
type client struct {
	con     bus.Con
	out     io.Writer
	verbose bool

	codes []string
	ids   map[string]int
}

// welcome waits for the code table.
func (c *client) welcome(ctx context.Context) error {
	f, raw, err := c.recv(ctx)
	if err != nil {
		return err
	}
	if f.Codeid == nil || *f.Codeid != 0 {
		return errors.New("expected welcome_evt, got " + string(raw))
	}

	c.ids = make(map[string]int)
	c.codes = nil
	for i, code := range gjson.GetBytes(f.Msg, "codes").Array() {
		c.codes = append(c.codes, code.String())
		c.ids[code.String()] = i
	}
	return nil
}

func (c *client) printCodes() {
	fmt.Fprintln(c.out, "Code table:")
	for i, code := range c.codes {
		fmt.Fprintf(c.out, "%4d  %s\n", i, code)
	}
}

func (c *client) recv(ctx context.Context) (*bus.Frame, []byte, error) {
	raw, err := c.con.Recv(ctx)
	if err != nil {
		return nil, nil, err
	}
	if c.verbose {
		logs.Info.Printf("in: %s", raw)
	}
	f, err := bus.ParseFrame(raw)
	if err != nil {
		return nil, raw, err
	}
	return f, raw, nil
}

// request sends the message and returns the code and the body of the reply.
func (c *client) request(ctx context.Context, code string, body []byte) (string, []byte, error) {
	codeid, ok := c.ids[code]
	if !ok {
		return "", nil, errors.New("code '" + code + "' is not known to the server")
	}
	if len(body) > 0 && !gjson.ValidBytes(body) {
		return "", nil, errors.New("message body is not valid JSON")
	}

	f := bus.Frame{Sid: bus.NewSid(), Codeid: &codeid}
	if len(body) > 0 && string(body) != "{}" {
		f.Msg = body
	}
	raw, err := f.Marshal()
	if err != nil {
		return "", nil, err
	}
	if c.verbose {
		logs.Info.Printf("out: %s", raw)
	}
	if err := c.con.Send(ctx, raw); err != nil {
		return "", nil, err
	}

	// Skip everything which is not a reply.
	for {
		reply, _, err := c.recv(ctx)
		if err != nil {
			return "", nil, err
		}
		if reply.Lsid != f.Sid || reply.Codeid == nil {
			continue
		}
		if *reply.Codeid < 0 || *reply.Codeid >= len(c.codes) {
			return "", nil, fmt.Errorf("reply has unknown codeid %d", *reply.Codeid)
		}
		return c.codes[*reply.Codeid], reply.Msg, nil
	}
}

// call invokes an RPC function. The result is the value or an *bus.Err.
func (c *client) call(ctx context.Context, key string, data []byte) ([]byte, error) {
	body, err := sjson.SetBytes(nil, "key", key)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if !gjson.ValidBytes(data) {
			return nil, errors.New("RPC argument is not valid JSON")
		}
		if body, err = sjson.SetRawBytes(body, "data", data); err != nil {
			return nil, err
		}
	}

	code, reply, err := c.request(ctx, (bus.RpcSend{}).Code(), body)
	if err != nil {
		return nil, err
	}
	if code != (bus.RpcRecv{}).Code() {
		return nil, replyErr(code, reply)
	}
	if e := gjson.GetBytes(reply, "err"); e.Exists() {
		return nil, bus.NewErr(e.Get("code").String(), e.Get("msg").String())
	}
	return []byte(gjson.GetBytes(reply, "val").Raw), nil
}

// login presents the token.
func (c *client) login(ctx context.Context, token string) ([]byte, error) {
	body, err := sjson.SetBytes(nil, "token", token)
	if err != nil {
		return nil, err
	}
	code, reply, err := c.request(ctx, "login_req", body)
	if err != nil {
		return nil, err
	}
	if code != "login_evt" {
		return nil, replyErr(code, reply)
	}
	return reply, nil
}

// replyErr converts an unexpected reply into an error.
func replyErr(code string, body []byte) error {
	if code == (&bus.Err{}).Code() {
		return bus.NewErr(gjson.GetBytes(body, "code").String(), gjson.GetBytes(body, "msg").String())
	}
	return errors.New("unexpected reply " + code + " " + string(body))
}

func pretty(body []byte) string {
	if len(body) == 0 {
		return "{}"
	}
	return gjson.GetBytes(body, "@pretty").String()
}

func main() {
	flag.Parse()
	logs.Init(os.Stderr, *logFlags)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	con, err := transport.DialGrpc(ctx, *host, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logs.Err.Fatalf("failed to connect to server: %v", err)
	}
	defer con.Close()

	c := &client{con: con, out: os.Stdout, verbose: *verbose}
	if err := c.welcome(ctx); err != nil {
		logs.Err.Fatalf("failed to receive welcome: %v", err)
	}
	if *code == "" && *rpcKey == "" && *login == "" {
		c.printCodes()
		return
	}

	if *login != "" {
		reply, err := c.login(ctx, *login)
		if err != nil {
			logs.Err.Fatalf("login failed: %v", err)
		}
		fmt.Fprintf(c.out, "logged in as %s, scopes %s\n",
			gjson.GetBytes(reply, "subject").String(), gjson.GetBytes(reply, "scopes").Raw)
	}

	if *rpcKey != "" {
		val, err := c.call(ctx, *rpcKey, []byte(*rpcData))
		if err != nil {
			logs.Err.Fatalf("rpc '%s' failed: %v", *rpcKey, err)
		}
		fmt.Fprintln(c.out, pretty(val))
	}

	if *code != "" {
		replyCode, reply, err := c.request(ctx, *code, []byte(*msg))
		if err != nil {
			logs.Err.Fatalf("request failed: %v", err)
		}
		fmt.Fprintf(c.out, "%s %s\n", replyCode, pretty(reply))
	}
}
