package lanconn

import (
	"bufio"
	"context"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryolab/go-mercury/logger"
	"github.com/cryolab/go-mercury/mercury"
)

func TestMain(m *testing.M) {
	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DebugLevel)
	}

	os.Exit(m.Run())
}

// instrumentStub is a loopback TCP stand-in for the instrument's LAN
// interface. The first failConns accepted connections are dropped without a
// reply to simulate transient link failures.
type instrumentStub struct {
	t  *testing.T
	ln net.Listener

	accepts   atomic.Int32
	failConns int32

	received chan string

	// respond maps a received command to the raw reply written back.
	respond func(cmd string) string
}

func newInstrumentStub(t *testing.T, failConns int32, respond func(cmd string) string) *instrumentStub {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &instrumentStub{
		t:         t,
		ln:        ln,
		failConns: failConns,
		received:  make(chan string, 16),
		respond:   respond,
	}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })

	return s
}

func (s *instrumentStub) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		n := s.accepts.Add(1)
		if n <= s.failConns {
			_ = conn.Close()
			continue
		}

		go s.handle(conn)
	}
}

func (s *instrumentStub) handle(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	cmd := strings.TrimRight(line, "\r\n")
	s.received <- cmd

	if s.respond != nil {
		_, _ = conn.Write([]byte(s.respond(cmd) + "\r\n"))
	}
}

func (s *instrumentStub) hostPort(t *testing.T) (string, int) {
	t.Helper()

	addr, ok := s.ln.Addr().(*net.TCPAddr)
	require.True(t, ok)

	return "127.0.0.1", addr.Port
}

func newTestConn(t *testing.T, s *instrumentStub, opts ...ConnOption) *Connection {
	t.Helper()

	host, port := s.hostPort(t)
	opts = append([]ConnOption{
		WithRetryBackoff(10 * time.Millisecond),
		WithReadThrottle(0),
	}, opts...)

	cfg, err := NewConnectionConfig(host, port, opts...)
	require.NoError(t, err)

	conn, err := NewConnection(cfg)
	require.NoError(t, err)

	return conn
}

func TestConnectionExchange(t *testing.T) {
	require := require.New(t)

	stub := newInstrumentStub(t, 0, func(_ string) string {
		return "STAT:DEV:DB7.T1:TEMP:SIG:TEMP:295.361K"
	})

	conn := newTestConn(t, stub)

	line, err := conn.Exchange(context.Background(), "READ:DEV:DB7.T1:TEMP:SIG:TEMP")
	require.NoError(err)
	require.Equal("STAT:DEV:DB7.T1:TEMP:SIG:TEMP:295.361K", line)
	require.Equal("READ:DEV:DB7.T1:TEMP:SIG:TEMP", <-stub.received)

	require.EqualValues(1, conn.Metrics().AttemptCount.Load())
	require.EqualValues(0, conn.Metrics().RetryCount.Load())
	require.EqualValues(1, conn.Metrics().ExchangeCount.Load())
}

func TestConnectionExchange_RecoversOnLastAttempt(t *testing.T) {
	require := require.New(t)

	// Four dropped connections, success on the fifth and final attempt.
	stub := newInstrumentStub(t, 4, func(_ string) string {
		return "STAT:DEV:DB6.T1:TEMP:SIG:VOLT:7.000000mV"
	})

	conn := newTestConn(t, stub)

	line, err := conn.Exchange(context.Background(), "READ:DEV:DB6.T1:TEMP:SIG:VOLT")
	require.NoError(err)
	require.Equal("STAT:DEV:DB6.T1:TEMP:SIG:VOLT:7.000000mV", line)

	require.EqualValues(5, stub.accepts.Load(), "exactly 5 connection attempts")
	require.EqualValues(5, conn.Metrics().AttemptCount.Load())
	require.EqualValues(4, conn.Metrics().RetryCount.Load())
}

func TestConnectionExchange_Fatal(t *testing.T) {
	require := require.New(t)

	// Every connection is dropped; the attempt budget is exhausted.
	stub := newInstrumentStub(t, 1<<30, nil)

	conn := newTestConn(t, stub)

	line, err := conn.Exchange(context.Background(), "READ:SYS:CAT")
	require.Empty(line, "no partial value after exhausted retries")

	var fatal *FatalCommError
	require.ErrorAs(err, &fatal)
	require.Equal(5, fatal.Attempts)
	require.Error(fatal.Unwrap())

	require.EqualValues(5, stub.accepts.Load())
	require.EqualValues(1, conn.Metrics().FatalErrCount.Load())
	require.EqualValues(0, conn.Metrics().ExchangeCount.Load())
}

func TestConnectionExchange_ConnectRefused(t *testing.T) {
	require := require.New(t)

	// Grab a free port and close the listener so every dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(ln.Close())

	cfg, err := NewConnectionConfig("127.0.0.1", port,
		WithMaxAttempts(2),
		WithRetryBackoff(10*time.Millisecond),
		WithReadThrottle(0),
	)
	require.NoError(err)

	conn, err := NewConnection(cfg)
	require.NoError(err)

	_, err = conn.Exchange(context.Background(), "*IDN?")

	var fatal *FatalCommError
	require.ErrorAs(err, &fatal)
	require.Equal(2, fatal.Attempts)
}

func TestConnectionSend(t *testing.T) {
	require := require.New(t)

	stub := newInstrumentStub(t, 0, nil)

	conn := newTestConn(t, stub)

	require.NoError(conn.Send(context.Background(), "SET:DEV:DB7.T1:TEMP:LOOP:TSET:300"))

	select {
	case cmd := <-stub.received:
		require.Equal("SET:DEV:DB7.T1:TEMP:LOOP:TSET:300", cmd)
	case <-time.After(time.Second):
		t.Fatal("stub never received the command")
	}

	require.EqualValues(1, conn.Metrics().SendCount.Load())
}

func TestConnectionClosed(t *testing.T) {
	require := require.New(t)

	stub := newInstrumentStub(t, 0, nil)
	conn := newTestConn(t, stub)

	require.NoError(conn.Open(context.Background()))
	require.NoError(conn.Close())

	require.ErrorIs(conn.Open(context.Background()), mercury.ErrConnClosed)

	_, err := conn.Exchange(context.Background(), "*IDN?")
	require.ErrorIs(err, mercury.ErrConnClosed)
}

func TestConnectionExchange_ContextCancelled(t *testing.T) {
	require := require.New(t)

	stub := newInstrumentStub(t, 1<<30, nil)
	conn := newTestConn(t, stub, WithRetryBackoff(30*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	begin := time.Now()
	_, err := conn.Exchange(ctx, "READ:SYS:CAT")
	require.Error(err)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Less(time.Since(begin), 5*time.Second, "cancellation must cut the backoff short")
}

// The full read path over the per-call transport: registry lookup, command
// build, retried exchange, payload parse, SI decode.
func TestClientSignalOverLAN(t *testing.T) {
	require := require.New(t)

	stub := newInstrumentStub(t, 4, func(cmd string) string {
		return "STAT:" + strings.TrimPrefix(cmd, "READ:") + ":7.000000mV"
	})

	conn := newTestConn(t, stub)

	client, err := mercury.NewClient(conn)
	require.NoError(err)

	v, err := client.Signal(context.Background(), "db6", mercury.SigVoltage)
	require.NoError(err)
	require.InEpsilon(7e-3, v, 1e-9)
	require.EqualValues(5, stub.accepts.Load())
}

func TestNewConnectionConfig_Validation(t *testing.T) {
	require := require.New(t)

	_, err := NewConnectionConfig("", DefaultPort)
	require.Error(err)

	_, err = NewConnectionConfig("127.0.0.1", 0)
	require.Error(err)

	_, err = NewConnectionConfig("127.0.0.1", DefaultPort, WithMaxAttempts(0))
	require.Error(err)

	_, err = NewConnectionConfig("127.0.0.1", DefaultPort, WithRetryBackoff(time.Millisecond))
	require.Error(err)

	_, err = NewConnectionConfig("127.0.0.1", DefaultPort, WithRecvBufferSize(1))
	require.Error(err)

	cfg, err := NewConnectionConfig("10.1.15.220", DefaultPort)
	require.NoError(err)
	require.Equal(5, cfg.maxAttempts)
	require.Equal(4096, cfg.recvBufferSize)
}
