// Package proxy supplies network identities for new browser sessions.
package proxy

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
)

// Static rotates through a fixed list of proxies and user agents. Every call
// to CurrentIdentity advances the rotation, so consecutive sessions get
// different identities.
type Static struct {
	proxies    []string
	userAgents []string
	next       atomic.Uint64
}

// NewStatic validates the proxy URLs. Blank and repeated entries are dropped.
// An empty list means direct connections.
func NewStatic(proxies, userAgents []string) (*Static, error) {
	proxies = clean(proxies)
	userAgents = clean(userAgents)
	for _, p := range proxies {
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", p, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("proxy %q must be scheme://host:port", p)
		}
	}
	return &Static{proxies: proxies, userAgents: userAgents}, nil
}

func clean(values []string) []string {
	return lo.Uniq(lo.Compact(lo.Map(values, func(v string, _ int) string {
		return strings.TrimSpace(v)
	})))
}

// CurrentIdentity returns the next identity in the rotation.
func (s *Static) CurrentIdentity(ctx context.Context) (crawler.Identity, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Identity{}, err
	}
	n := s.next.Add(1) - 1
	var id crawler.Identity
	if len(s.proxies) > 0 {
		id.Proxy = s.proxies[n%uint64(len(s.proxies))]
	}
	if len(s.userAgents) > 0 {
		id.UserAgent = s.userAgents[n%uint64(len(s.userAgents))]
	}
	return id, nil
}
