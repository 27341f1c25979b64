package upstream

import (
	"net"
	"strings"

	"github.com/zhukovaskychina/mikrotik-manager/server/protocol"

	jerrors "github.com/juju/errors"
)

// Resolver turns a hostname into a single IPv4 address. The session resolves
// synchronously inside the RPC path, so the implementation must honor its own
// timeouts.
type Resolver interface {
	LookupIPv4(host string) (string, error)
}

// SystemResolver uses the process resolver.
type SystemResolver struct{}

func (SystemResolver) LookupIPv4(host string) (string, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return "", jerrors.Trace(err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", jerrors.Errorf("no IPv4 address for %q", host)
}

// Rewrite applies the device-side command fixups before a sentence is sent
// upstream:
//   - proxy access rules written with =redirect-to= become an explicit
//     action=redirect with the url in action-data,
//   - firewall filter/nat dst-address hostnames are resolved to IPv4,
//   - ppp profile local-address is pinned to the device's own host.
//
// A resolver failure is returned as-is; it is a transient error.
func Rewrite(words protocol.Sentence, deviceHost string, resolver Resolver) (protocol.Sentence, error) {
	if len(words) == 0 {
		return words, nil
	}
	cmd := words.Command()
	switch {
	case strings.HasPrefix(cmd, "/ip/proxy/access"):
		if url, ok := words.Attribute("redirect-to"); ok {
			return rewriteRedirect(words, url), nil
		}
	case cmd == "/ip/firewall/filter/add" || cmd == "/ip/firewall/nat/add":
		return rewriteDstAddress(words, resolver)
	case cmd == "/ppp/profile/add" || cmd == "/ppp/profile/set":
		return rewriteLocalAddress(words, deviceHost), nil
	}
	return words, nil
}

func rewriteRedirect(words protocol.Sentence, url string) protocol.Sentence {
	out := protocol.Sentence{"/ip/proxy/access/add"}
	for _, w := range words[1:] {
		if strings.HasPrefix(w, "=action=") || strings.HasPrefix(w, "=redirect-to=") {
			continue
		}
		out = append(out, w)
	}
	return append(out, "=action=redirect", "=action-data="+url)
}

func rewriteDstAddress(words protocol.Sentence, resolver Resolver) (protocol.Sentence, error) {
	const prefix = "=dst-address="
	idx := -1
	for i, w := range words {
		if strings.HasPrefix(w, prefix) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return words, nil
	}

	val := words[idx][len(prefix):]
	host, suffix := val, ""
	if i := strings.IndexByte(val, '/'); i >= 0 {
		host, suffix = val[:i], val[i:]
	}
	if host == "" || isNumericAddr(host) {
		return words, nil
	}

	ip, err := resolver.LookupIPv4(host)
	if err != nil {
		return nil, jerrors.Annotatef(err, "resolve dst-address %q", host)
	}

	out := make(protocol.Sentence, len(words))
	copy(out, words)
	out[idx] = prefix + ip + suffix
	return out, nil
}

func rewriteLocalAddress(words protocol.Sentence, deviceHost string) protocol.Sentence {
	const prefix = "=local-address="
	out := make(protocol.Sentence, len(words))
	copy(out, words)
	for i, w := range out {
		if strings.HasPrefix(w, prefix) {
			out[i] = prefix + deviceHost
		}
	}
	return out
}

// isNumericAddr reports whether host is a dotted numeric literal.
func isNumericAddr(host string) bool {
	for i := 0; i < len(host); i++ {
		if c := host[i]; (c < '0' || c > '9') && c != '.' {
			return false
		}
	}
	return true
}

// FilterRows applies equality filters to rows client-side. The filters are
// also sent upstream as query words; this pass covers devices that ignore
// them and keeps the result deterministic.
func FilterRows(rows []protocol.Row, filters map[string]string) []protocol.Row {
	if len(filters) == 0 {
		return rows
	}
	out := make([]protocol.Row, 0, len(rows))
	for _, row := range rows {
		match := true
		for k, v := range filters {
			if row[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
	}
	return out
}
