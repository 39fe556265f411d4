package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/channel"
	"github.com/mjdrushton/potential-pro-fit-sub001/pkg/perr"
)

// KeyringService is the keyring service under which SSH key passphrases are
// looked up. The keyring user is the key's path.
const KeyringService = "pprofit"

const defaultConnectTimeout = 30 * time.Second

// SSH connects to t and starts the worker with the remote command.
func SSH(ctx context.Context, t Target, opts ...Option) (*channel.Gateway, error) {
	o := buildOptions(opts)

	cfg, addr, err := sshClientConfig(t, o.sshOptions)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, perr.New(perr.CategoryTransport, perr.CodeGateway, fmt.Errorf("failed to connect to %s: %w", addr, err))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, perr.New(perr.CategoryTransport, perr.CodeGateway, fmt.Errorf("ssh handshake with %s failed: %w", addr, err))
	}
	client := ssh.NewClient(c, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, perr.New(perr.CategoryTransport, perr.CodeGateway, fmt.Errorf("failed to open ssh session: %w", err))
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	log := o.log.With("host", t.String())
	stderr := stderrLogger(log)
	sess.Stderr = stderr

	if err := sess.Start(o.remoteCommand); err != nil {
		_ = client.Close()
		return nil, perr.New(perr.CategoryTransport, perr.CodeGateway, fmt.Errorf("failed to start %q on %s: %w", o.remoteCommand, t, err))
	}
	log.Debug("ssh worker started", "command", o.remoteCommand)

	return channel.NewGateway(t.String(), &streamConn{Reader: stdout, in: stdin},
		channel.WithGatewayLogger(log),
		channel.WithWait(func() error {
			defer stderr.Close()
			err := waitWithTimeout(sess.Wait, func() { _ = sess.Close() })
			_ = client.Close()
			var exitMissing *ssh.ExitMissingError
			if errors.As(err, &exitMissing) {
				return nil
			}
			return err
		}),
	), nil
}

// sshClientConfig builds the client config and dial address for t. Options
// from an ssh-config file override URL defaults where the URL is silent.
func sshClientConfig(t Target, opts map[string]string) (*ssh.ClientConfig, string, error) {
	username := t.User
	if username == "" {
		username = opts["user"]
	}
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	port := t.Port
	if port == 0 {
		if p, ok := opts["port"]; ok {
			n, err := strconv.Atoi(p)
			if err != nil {
				return nil, "", perr.Config(perr.CodeBadValue, "invalid ssh Port %q", p)
			}
			port = n
		}
	}
	if port == 0 {
		port = 22
	}

	timeout := defaultConnectTimeout
	if v, ok := opts["connecttimeout"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, "", perr.Config(perr.CodeBadValue, "invalid ssh ConnectTimeout %q", v)
		}
		timeout = time.Duration(n) * time.Second
	}

	hostKeys, err := hostKeyCallback(opts)
	if err != nil {
		return nil, "", err
	}

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            authMethods(opts),
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}
	return cfg, net.JoinHostPort(t.Host, strconv.Itoa(port)), nil
}

func hostKeyCallback(opts map[string]string) (ssh.HostKeyCallback, error) {
	if strings.EqualFold(opts["stricthostkeychecking"], "no") {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	files := strings.Fields(opts["userknownhostsfile"])
	if len(files) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, perr.Config(perr.CodeMissingKey, "cannot locate known_hosts: %v", err)
		}
		files = []string{filepath.Join(home, ".ssh", "known_hosts")}
	}
	for i, f := range files {
		files[i] = expandHome(f)
	}
	cb, err := knownhosts.New(files...)
	if err != nil {
		return nil, perr.Config(perr.CodeBadValue, "failed to load known hosts: %v", err)
	}
	return cb, nil
}

func authMethods(opts map[string]string) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" && !strings.EqualFold(opts["identitiesonly"], "yes") {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	var keyFiles []string
	if f := opts["identityfile"]; f != "" {
		keyFiles = append(keyFiles, expandHome(f))
	} else if home, err := os.UserHomeDir(); err == nil {
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			keyFiles = append(keyFiles, filepath.Join(home, ".ssh", name))
		}
	}

	var signers []ssh.Signer
	for _, f := range keyFiles {
		if s, err := loadKey(f); err == nil {
			signers = append(signers, s)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	return methods
}

// loadKey parses a private key file, asking the OS keyring for the
// passphrase of encrypted keys.
func loadKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return signer, err
	}
	passphrase, kerr := keyring.Get(KeyringService, path)
	if kerr != nil {
		return nil, fmt.Errorf("key %s is encrypted and no passphrase is stored in the keyring: %w", path, kerr)
	}
	return ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
}

// StorePassphrase saves the passphrase for an encrypted key in the keyring.
func StorePassphrase(keyPath, passphrase string) error {
	return keyring.Set(KeyringService, expandHome(keyPath), passphrase)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
