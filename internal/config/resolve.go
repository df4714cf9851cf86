package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const resolveTimeout = 20 * time.Second

// Swappable for tests.
var (
	lookupSRV  = net.LookupSRV
	runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).Output()
	}
)

// ResolveValue expands the indirections allowed in credential and endpoint
// values:
//   - op://vault/item/field[?account=...] reads a 1Password secret with `op read`
//   - srv://_service._proto.domain/path becomes https://host:port/path
//   - $(command) is replaced by the command's trimmed stdout
//   - ${VAR} or $VAR is replaced by the environment variable
//
// Anything else is returned trimmed.
func ResolveValue(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	switch {
	case strings.HasPrefix(value, "op://"):
		return resolveOnePassword(ctx, value)
	case strings.HasPrefix(value, "srv://"):
		return resolveSRV(value)
	case strings.HasPrefix(value, "$(") && strings.HasSuffix(value, ")"):
		return resolveCommand(ctx, value[2:len(value)-1])
	default:
		return expandEnv(value), nil
	}
}

// valueCache remembers resolved op://, srv:// and $(command) values for one
// configuration generation. Failures are not cached.
type valueCache struct {
	m sync.Map
}

func (c *valueCache) resolve(value string) (string, error) {
	value = strings.TrimSpace(value)
	if !isExternal(value) {
		return ResolveValue(value)
	}
	if v, ok := c.m.Load(value); ok {
		return v.(string), nil
	}
	v, err := ResolveValue(value)
	if err != nil {
		return "", err
	}
	c.m.Store(value, v)
	return v, nil
}

func isExternal(value string) bool {
	return strings.HasPrefix(value, "op://") || strings.HasPrefix(value, "srv://") ||
		(strings.HasPrefix(value, "$(") && strings.HasSuffix(value, ")"))
}

// expandEnv only substitutes when the whole value is a variable reference,
// so keys that happen to contain '$' stay intact.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	if strings.HasPrefix(s, "$") && !strings.ContainsAny(s[1:], " ${}()") {
		return os.Getenv(s[1:])
	}
	return s
}

func resolveOnePassword(ctx context.Context, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("1password: invalid reference %s: %w", ref, err)
	}
	secret := "op://" + u.Host + u.Path
	args := []string{"read", secret}
	if account := u.Query().Get("account"); account != "" {
		args = append(args, "--account", account)
	}

	out, err := runCommand(ctx, "op", args...)
	if err != nil {
		return "", fmt.Errorf("1password: read %s: %s (is the op CLI installed and signed in?)", secret, commandError(err))
	}
	return strings.TrimSpace(string(out)), nil
}

func resolveSRV(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid srv:// reference: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("srv:// reference missing record: %s", ref)
	}

	_, addrs, err := lookupSRV("", "", u.Host)
	if err != nil {
		return "", fmt.Errorf("SRV lookup for %s: %w", u.Host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no SRV records for %s", u.Host)
	}
	// The resolver returns records ordered by priority and weight.
	target := strings.TrimSuffix(addrs[0].Target, ".")
	return fmt.Sprintf("https://%s:%d%s", target, addrs[0].Port, u.Path), nil
}

func resolveCommand(ctx context.Context, command string) (string, error) {
	out, err := runCommand(ctx, "sh", "-c", command)
	if err != nil {
		return "", fmt.Errorf("command failed: %s", commandError(err))
	}
	return strings.TrimSpace(string(out)), nil
}

func commandError(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return strings.TrimSpace(string(exitErr.Stderr))
	}
	return err.Error()
}
