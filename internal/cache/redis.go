package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RedisConfig captures the connection parameters for the Redis backend.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
	Prefix   string
}

const (
	defaultRedisTimeout = 5 * time.Second
	defaultRedisPrefix  = "formsync:"
)

// errNilReply marks a RESP null bulk string.
var errNilReply = errors.New("redis: nil reply")

// RedisClient speaks the subset of RESP2 the cache needs (AUTH, SELECT, PING,
// GET, SET PX, DEL) over a single connection guarded by a mutex. A broken
// connection is dropped and redialled on the next command.
type RedisClient struct {
	cfg    RedisConfig
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewRedisClient creates a client and dials eagerly so misconfiguration
// surfaces at startup, where the caller can fall back to another backend.
func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}

	client := &RedisClient{cfg: cfg}
	if err := client.Ping(context.Background()); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Close closes the underlying network connection.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// Ping round-trips a PING, dialling first if needed.
func (c *RedisClient) Ping(ctx context.Context) error {
	reply, err := c.do(ctx, "PING")
	if err != nil {
		return err
	}
	if s, ok := reply.(string); !ok || !strings.EqualFold(s, "PONG") {
		return fmt.Errorf("redis: unexpected PING reply %v", reply)
	}
	return nil
}

func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{"SET", c.key(key), string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	reply, err := c.do(ctx, args...)
	if err != nil {
		return err
	}
	if s, ok := reply.(string); !ok || s != "OK" {
		return fmt.Errorf("redis: unexpected SET reply %v", reply)
	}
	return nil
}

func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	reply, err := c.do(ctx, "GET", c.key(key))
	if errors.Is(err, errNilReply) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, ok := reply.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("redis: unexpected GET reply %T", reply)
	}
	return value, true, nil
}

func (c *RedisClient) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]string, 0, len(keys)+1)
	args = append(args, "DEL")
	for _, key := range keys {
		args = append(args, c.key(key))
	}
	_, err := c.do(ctx, args...)
	return err
}

func (c *RedisClient) key(key string) string {
	if strings.HasPrefix(key, c.cfg.Prefix) {
		return key
	}
	return c.cfg.Prefix + key
}

func (c *RedisClient) do(ctx context.Context, args ...string) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dialLocked(ctx); err != nil {
		return nil, err
	}

	reply, err := c.roundTrip(ctx, c.conn, c.reader, args)
	if err != nil && !errors.Is(err, errNilReply) && !isServerError(err) {
		c.resetLocked()
	}
	return reply, err
}

func (c *RedisClient) roundTrip(ctx context.Context, conn net.Conn, r *bufio.Reader, args []string) (any, error) {
	if err := conn.SetDeadline(c.deadline(ctx)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(encodeCommand(args)); err != nil {
		return nil, err
	}
	return readReply(r)
}

func (c *RedisClient) dialLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if c.cfg.TLS {
		dialer := &tls.Dialer{NetDialer: &net.Dialer{}}
		conn, err = dialer.DialContext(dialCtx, "tcp", c.cfg.Address)
	} else {
		dialer := &net.Dialer{}
		conn, err = dialer.DialContext(dialCtx, "tcp", c.cfg.Address)
	}
	if err != nil {
		return fmt.Errorf("redis: dial %s: %w", c.cfg.Address, err)
	}

	reader := bufio.NewReader(conn)

	var handshake [][]string
	if c.cfg.Password != "" {
		if c.cfg.Username != "" {
			handshake = append(handshake, []string{"AUTH", c.cfg.Username, c.cfg.Password})
		} else {
			handshake = append(handshake, []string{"AUTH", c.cfg.Password})
		}
	}
	if c.cfg.DB > 0 {
		handshake = append(handshake, []string{"SELECT", strconv.Itoa(c.cfg.DB)})
	}
	for _, args := range handshake {
		reply, err := c.roundTrip(ctx, conn, reader, args)
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("redis: %s: %w", args[0], err)
		}
		if s, ok := reply.(string); !ok || s != "OK" {
			_ = conn.Close()
			return fmt.Errorf("redis: %s failed: %v", args[0], reply)
		}
	}

	c.conn = conn
	c.reader = reader
	return nil
}

func (c *RedisClient) resetLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

func (c *RedisClient) deadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(c.cfg.Timeout)
}

type serverError string

func (e serverError) Error() string { return "redis: " + string(e) }

func isServerError(err error) bool {
	var se serverError
	return errors.As(err, &se)
}

func encodeCommand(args []string) []byte {
	var b strings.Builder
	b.WriteByte('*')
	b.WriteString(strconv.Itoa(len(args)))
	b.WriteString("\r\n")
	for _, arg := range args {
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(len(arg)))
		b.WriteString("\r\n")
		b.WriteString(arg)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

func readReply(r *bufio.Reader) (any, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	switch prefix {
	case '+':
		return line, nil
	case '-':
		return nil, serverError(line)
	case ':':
		return strconv.ParseInt(line, 10, 64)
	case '$':
		length, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, errNilReply
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if buf[length] != '\r' || buf[length+1] != '\n' {
			return nil, errors.New("redis: expected CRLF after bulk string")
		}
		return buf[:length], nil
	case '*':
		count, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, errNilReply
		}
		items := make([]any, count)
		for i := range items {
			item, err := readReply(r)
			if err != nil && !errors.Is(err, errNilReply) {
				return nil, err
			}
			items[i] = item
		}
		return items, nil
	default:
		return nil, fmt.Errorf("redis: unexpected prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}
