package radio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/crypto/ssh"

	"github.com/rjboer/tddstream/internal/timespec"
)

// SSHConfig describes how to reach the sysfs GPIO tree of a networked radio.
type SSHConfig struct {
	Host      string
	User      string
	Password  string
	KeyPath   string
	Port      int
	SysfsRoot string
	// Base is the kernel GPIO number of bit 0 of every bank.
	Base int
	// Banks lists the bank names this backend answers for.
	Banks []string
	// DialAttempts bounds the connection retries made by Connect.
	DialAttempts uint64
}

// SSHGPIO drives GPIO lines through the legacy sysfs interface over SSH.
// Writes happen when issued: sysfs has no notion of a device timestamp, so
// SetCommandTime reports ErrTimedCommandUnsupported.
type SSHGPIO struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
	run    func(ctx context.Context, cmd string) error
}

// NewSSHGPIO validates configuration and prepares a backend. No connection is
// made until Connect or the first write.
func NewSSHGPIO(cfg SSHConfig) (*SSHGPIO, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required for sysfs GPIO")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys/class/gpio"
	}
	if len(cfg.Banks) == 0 {
		cfg.Banks = []string{"FP0"}
	}
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = 4
	}
	g := &SSHGPIO{cfg: cfg}
	g.run = g.runRemote
	return g, nil
}

// Connect dials the SSH server, retrying with exponential backoff.
func (g *SSHGPIO) Connect(ctx context.Context) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.cfg.DialAttempts-1), ctx)
	return backoff.Retry(func() error {
		_, err := g.dial(ctx)
		if errors.Is(err, errSSHCredentials) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// errSSHCredentials marks configuration problems a retry cannot fix.
var errSSHCredentials = errors.New("ssh credentials")

func (g *SSHGPIO) GPIOBanks(int) []string {
	return append([]string(nil), g.cfg.Banks...)
}

// SetGPIOAttr maps DDR to line direction and OUT to line values for every
// bit set in mask. CTRL only accepts manual mode (zero bits).
func (g *SSHGPIO) SetGPIOAttr(bank, attr string, value, mask uint32) error {
	if !g.hasBank(bank) {
		return fmt.Errorf("unknown GPIO bank %q", bank)
	}
	var cmds []string
	for bit := 0; bit < 32; bit++ {
		if mask&(1<<bit) == 0 {
			continue
		}
		set := value&(1<<bit) != 0
		switch strings.ToUpper(attr) {
		case "DDR":
			dir := "in"
			if set {
				dir = "out"
			}
			cmds = append(cmds, g.writeCmd(bit, "direction", dir))
		case "OUT":
			v := "0"
			if set {
				v = "1"
			}
			cmds = append(cmds, g.writeCmd(bit, "value", v))
		case "CTRL":
			if set {
				return fmt.Errorf("GPIO bank %s: ATR control not supported over sysfs", bank)
			}
		default:
			return fmt.Errorf("GPIO attribute %q not supported over sysfs", attr)
		}
	}
	if len(cmds) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.run(ctx, strings.Join(cmds, " && ")); err != nil {
		return fmt.Errorf("write GPIO %s/%s via ssh: %w", bank, attr, err)
	}
	return nil
}

func (g *SSHGPIO) SetCommandTime(timespec.Time) error { return ErrTimedCommandUnsupported }

func (g *SSHGPIO) ClearCommandTime() error { return nil }

// Close drops the SSH connection.
func (g *SSHGPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

func (g *SSHGPIO) hasBank(bank string) bool {
	for _, b := range g.cfg.Banks {
		if b == bank {
			return true
		}
	}
	return false
}

func (g *SSHGPIO) writeCmd(bit int, attr, value string) string {
	target := path.Join(g.cfg.SysfsRoot, fmt.Sprintf("gpio%d", g.cfg.Base+bit), attr)
	return fmt.Sprintf("printf %s > %s", shellQuote(value), shellQuote(target))
}

func (g *SSHGPIO) runRemote(ctx context.Context, cmd string) error {
	client, err := g.dial(ctx)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()
	return session.Run(cmd)
}

func (g *SSHGPIO) dial(ctx context.Context) (*ssh.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return g.client, nil
	}

	auth := []ssh.AuthMethod{}
	if g.cfg.Password != "" {
		auth = append(auth, ssh.Password(g.cfg.Password))
	}
	if g.cfg.KeyPath != "" {
		key, err := os.ReadFile(g.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read key: %v", errSSHCredentials, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w: parse key: %v", errSSHCredentials, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: no password or key configured", errSSHCredentials)
	}

	config := &ssh.ClientConfig{
		User:            g.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	addr := net.JoinHostPort(g.cfg.Host, fmt.Sprint(g.cfg.Port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}

	g.client = ssh.NewClient(clientConn, chans, reqs)
	return g.client, nil
}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
