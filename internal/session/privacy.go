package session

import (
	"crypto/sha256"
	"fmt"
	"net"
	"net/netip"

	"github.com/agent-racer/sessionpool/internal/config"
)

// PrivacyFilter masks and filters session state before it is broadcast to
// clients. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskPeerAddrs  bool
	MaskLocalAddrs bool
	AllowedNets    []string
	BlockedNets    []string
}

// NewPrivacyFilter builds a filter from the observer configuration.
func NewPrivacyFilter(cfg config.PrivacyConfig) *PrivacyFilter {
	return &PrivacyFilter{
		MaskPeerAddrs:  cfg.MaskPeerAddrs,
		MaskLocalAddrs: cfg.MaskLocalAddrs,
		AllowedNets:    cfg.AllowedNets,
		BlockedNets:    cfg.BlockedNets,
	}
}

// IsAllowed reports whether a session with the given peer address should
// be broadcast. A session without a peer yet is always allowed. When
// AllowedNets is non-empty the peer must fall inside one of them, and it
// must not fall inside any of BlockedNets.
func (f *PrivacyFilter) IsAllowed(peerAddr string) bool {
	if peerAddr == "" {
		return true
	}
	ip, ok := parseIP(peerAddr)
	if !ok {
		return len(f.AllowedNets) == 0
	}

	if len(f.AllowedNets) > 0 && !containsIP(f.AllowedNets, ip) {
		return false
	}
	return !containsIP(f.BlockedNets, ip)
}

func parseIP(addr string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// containsIP reports whether ip is inside one of the prefixes. Invalid
// prefixes never match.
func containsIP(prefixes []string, ip netip.Addr) bool {
	for _, p := range prefixes {
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			if single, err := netip.ParseAddr(p); err == nil && single.Unmap() == ip {
				return true
			}
			continue
		}
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// Apply returns a masked copy of the session state. The original state is
// never modified.
func (f *PrivacyFilter) Apply(s *SessionState) *SessionState {
	masked := s.Clone()

	if f.MaskPeerAddrs && masked.PeerAddr != "" {
		masked.PeerAddr = shortHash(masked.PeerAddr)
	}
	if f.MaskPeerAddrs && masked.Kind == "connect" && masked.Addr != "" {
		masked.Addr = shortHash(masked.Addr)
	}
	if f.MaskLocalAddrs {
		masked.LocalAddr = ""
	}
	return masked
}

// FilterSlice returns the allowed sessions with masking applied.
func (f *PrivacyFilter) FilterSlice(sessions []*SessionState) []*SessionState {
	result := make([]*SessionState, 0, len(sessions))
	for _, s := range sessions {
		if !f.IsAllowed(s.PeerAddr) {
			continue
		}
		result = append(result, f.Apply(s))
	}
	return result
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskPeerAddrs && !f.MaskLocalAddrs &&
		len(f.AllowedNets) == 0 && len(f.BlockedNets) == 0
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
