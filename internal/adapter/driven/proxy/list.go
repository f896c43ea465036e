// Package proxy loads the outbound proxy list and rotates through it on
// transient failures.
package proxy

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/medrelay/medrelay/internal/domain/model"
)

// ParseFile loads a line-oriented proxy list from disk.
func ParseFile(path string) ([]model.ProxyDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening proxy list: %w", err)
	}
	defer func() { _ = f.Close() }()

	proxies, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy list %s: %w", path, err)
	}
	return proxies, nil
}

// Parse reads one proxy per line. A line is "ip:port" or
// "ip:port:username:password", optionally followed by whitespace and a
// comma-separated protocol tag list. Blank lines and #-comments are skipped.
func Parse(r io.Reader) ([]model.ProxyDescriptor, error) {
	var proxies []model.ProxyDescriptor

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		desc, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		proxies = append(proxies, desc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading proxy list: %w", err)
	}

	return proxies, nil
}

func parseLine(line string) (model.ProxyDescriptor, error) {
	fields := strings.Fields(line)

	parts := strings.Split(fields[0], ":")
	if len(parts) != 2 && len(parts) != 4 {
		return model.ProxyDescriptor{}, fmt.Errorf("expected ip:port or ip:port:username:password, got %q", fields[0])
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return model.ProxyDescriptor{}, fmt.Errorf("invalid port %q", parts[1])
	}

	desc := model.ProxyDescriptor{
		IP:        parts[0],
		Port:      port,
		Protocols: []string{"http"},
	}
	if len(parts) == 4 {
		desc.Username = parts[2]
		desc.Password = parts[3]
	}

	if len(fields) > 1 {
		var protocols []string
		for _, proto := range strings.Split(fields[1], ",") {
			proto = strings.TrimSpace(proto)
			if proto != "" {
				protocols = append(protocols, strings.ToLower(proto))
			}
		}
		if len(protocols) > 0 {
			desc.Protocols = protocols
		}
	}

	return desc, nil
}
